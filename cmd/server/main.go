package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/eason-lee/lstream/pkg/broker"
	"github.com/eason-lee/lstream/pkg/config"
	"github.com/eason-lee/lstream/pkg/log"
)

const shutdownTimeout = 5 * time.Second

var (
	configFilePath string
	consulAddr     string
	consulKey      string
	logLevel       string

	rootCmd = &cobra.Command{
		Use:     "lstreamd",
		Short:   "Start a lstream message streaming server",
		Example: "lstreamd --config ./lstream.yaml",
		RunE:    executeStart,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&configFilePath, "config", "c", getenv("LSTREAM_CONFIG", ""), "path of the YAML configuration file")
	rootCmd.Flags().StringVar(&consulAddr, "consul-addr", getenv("LSTREAM_CONSUL_ADDR", ""), "consul address used to fetch the configuration")
	rootCmd.Flags().StringVar(&consulKey, "consul-key", getenv("LSTREAM_CONSUL_KEY", "lstream/config"), "consul KV key holding the configuration")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func executeStart(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	defer log.Sync()

	provider, err := configProvider()
	if err != nil {
		return err
	}
	cfg, err := config.Load(provider)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if logLevel != "" {
		if cfg.LogLevel, err = log.ParseLevel(logLevel); err != nil {
			return err
		}
	}
	log.SetLevel(cfg.LogLevel)
	if provider != nil {
		log.Info("使用配置 %s", provider)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := broker.NewBroker(cfg)
	if err != nil {
		return fmt.Errorf("创建broker失败: %w", err)
	}
	if err := b.Init(ctx); err != nil {
		return fmt.Errorf("初始化broker失败: %w", err)
	}
	b.Start(ctx)
	log.Info("lstream 已启动, 数据目录: %s", b.Path())

	var server *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info("指标服务监听 %s", cfg.MetricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("指标服务异常退出: %v", err)
				cancel()
			}
		}()
	}

	<-ctx.Done()
	log.Info("收到退出信号，开始关闭")

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("关闭指标服务失败: %v", err)
		}
	}
	return b.Shutdown()
}

// configProvider 优先使用 Consul，其次是配置文件，都没有时使用默认配置
func configProvider() (config.Provider, error) {
	if consulAddr != "" {
		return config.NewConsulProvider(consulAddr, consulKey)
	}
	if configFilePath != "" {
		return config.FileProvider{Path: configFilePath}, nil
	}
	return nil, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
