package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/consul/api"
)

var ErrConfigNotFound = errors.New("config not found")

// Provider 配置来源，返回 YAML 文档
type Provider interface {
	Fetch() ([]byte, error)
	String() string
}

// FileProvider 从本地文件读取配置
type FileProvider struct {
	Path string
}

func (p FileProvider) Fetch() ([]byte, error) {
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, p.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return data, nil
}

func (p FileProvider) String() string {
	return "file:" + p.Path
}

// ConsulProvider 从 Consul KV 读取配置
type ConsulProvider struct {
	client  *api.Client
	address string
	key     string
}

// NewConsulProvider 创建 Consul 配置来源
func NewConsulProvider(address, key string) (*ConsulProvider, error) {
	config := api.DefaultConfig()
	if address != "" {
		config.Address = address
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("创建consul客户端失败: %w", err)
	}

	return &ConsulProvider{
		client:  client,
		address: config.Address,
		key:     key,
	}, nil
}

func (p *ConsulProvider) Fetch() ([]byte, error) {
	pair, _, err := p.client.KV().Get(p.key, nil)
	if err != nil {
		return nil, fmt.Errorf("读取consul配置失败: %w", err)
	}
	if pair == nil {
		return nil, fmt.Errorf("%w: consul key %s", ErrConfigNotFound, p.key)
	}
	return pair.Value, nil
}

// Put 把配置文档写入 Consul KV
func (p *ConsulProvider) Put(data []byte) error {
	_, err := p.client.KV().Put(&api.KVPair{Key: p.key, Value: data}, nil)
	if err != nil {
		return fmt.Errorf("写入consul配置失败: %w", err)
	}
	return nil
}

func (p *ConsulProvider) String() string {
	return fmt.Sprintf("consul:%s/%s", p.address, p.key)
}
