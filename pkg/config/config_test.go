package config

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eason-lee/lstream/pkg/compression"
	"github.com/eason-lee/lstream/pkg/log"
	"github.com/eason-lee/lstream/pkg/store"
)

const sampleConfig = `
path: /var/lib/lstream
log_level: debug
metrics_addr: ""
enforce_fsync: false
message_saver:
  interval: 5s
message_cleaner:
  enabled: false
topic:
  compression: zstd
  message_expiry: 24h
  max_partition_size: 10GB
  messages_required_to_save: 500
  segment:
    size: 64MB
    max_messages: 10000
    max_age: 1h
    index_interval: 32
`

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join("local_data", "streams"), cfg.StreamsPath())
	assert.Equal(t, compression.None, cfg.Topic.Compression)
	assert.Equal(t, 1, cfg.Topic.Partition.MessagesRequiredToSave)
	assert.Nil(t, cfg.Topic.CleanupPolicy())
	assert.True(t, cfg.EnforceFsync)
	assert.IsType(t, store.FileWithSyncPersister{}, cfg.Persister())
}

func TestParse(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Parse([]byte(sampleConfig)))

	assert.Equal(t, "/var/lib/lstream", cfg.Path)
	assert.Equal(t, log.DEBUG, cfg.LogLevel)
	assert.Equal(t, "", cfg.MetricsAddr)
	assert.False(t, cfg.EnforceFsync)
	assert.Equal(t, TaskConfig{Enabled: true, Interval: 5 * time.Second}, cfg.MessageSaver)
	assert.False(t, cfg.MessageCleaner.Enabled)
	assert.Equal(t, time.Minute, cfg.MessageCleaner.Interval)

	topic := cfg.Topic
	assert.Equal(t, compression.Zstd, topic.Compression)
	assert.Equal(t, 24*time.Hour, topic.MessageExpiry)
	assert.Equal(t, int64(10*1024*1024*1024), topic.MaxPartitionSize)
	assert.Equal(t, 500, topic.Partition.MessagesRequiredToSave)
	assert.Equal(t, int64(64*1024*1024), topic.Partition.Segment.MaxSize)
	assert.Equal(t, 10000, topic.Partition.Segment.MaxMessages)
	assert.Equal(t, time.Hour, topic.Partition.Segment.MaxAge)
	assert.Equal(t, 32, topic.Partition.Segment.IndexInterval)
	assert.NotNil(t, topic.CleanupPolicy())

	assert.IsType(t, store.FilePersister{}, cfg.Persister())
}

func TestParseKeepsDefaultsForMissingFields(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Parse([]byte("path: data\n")))

	expected := Default()
	expected.Path = "data"
	assert.Equal(t, expected, cfg)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"invalid yaml", "path: [a"},
		{"log level", "log_level: loud"},
		{"compression", "topic:\n  compression: lz4"},
		{"size", "topic:\n  segment:\n    size: lots"},
		{"duration", "topic:\n  message_expiry: forever"},
		{"negative duration", "topic:\n  message_expiry: -1h"},
		{"saver interval", "message_saver:\n  interval: 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Default().Parse([]byte(tt.yaml)))
		})
	}
}

func TestUnlimitedValues(t *testing.T) {
	cfg := Default()
	cfg.Topic.MessageExpiry = time.Hour
	require.NoError(t, cfg.Parse([]byte("topic:\n  message_expiry: none\n  segment:\n    size: unlimited\n")))
	assert.Zero(t, cfg.Topic.MessageExpiry)
	assert.Zero(t, cfg.Topic.Partition.Segment.MaxSize)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LSTREAM_PATH", "/tmp/lstream")
	t.Setenv("LSTREAM_LOG_LEVEL", "warn")
	t.Setenv("LSTREAM_ENFORCE_FSYNC", "false")
	t.Setenv("LSTREAM_SAVER_INTERVAL", "2s")
	t.Setenv("LSTREAM_COMPRESSION", "gzip")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "/tmp/lstream", cfg.Path)
	assert.Equal(t, log.WARNING, cfg.LogLevel)
	assert.False(t, cfg.EnforceFsync)
	assert.Equal(t, 2*time.Second, cfg.MessageSaver.Interval)
	assert.Equal(t, compression.Gzip, cfg.Topic.Compression)

	t.Setenv("LSTREAM_COMPRESSION", "brotli")
	assert.Error(t, Default().ApplyEnv())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))

	cfg, err := Load(FileProvider{Path: path})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/lstream", cfg.Path)

	_, err = Load(FileProvider{Path: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorIs(t, err, ErrConfigNotFound)

	cfg, err = Load(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Topic, cfg.Topic)
}

// fakeConsul 模拟 Consul KV 接口
type fakeConsul struct {
	mu     sync.Mutex
	values map[string][]byte
}

func (f *fakeConsul) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/v1/kv/")
	w.Header().Set("X-Consul-Index", "1")
	w.Header().Set("X-Consul-LastContact", "0")
	w.Header().Set("X-Consul-KnownLeader", "true")

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		value, ok := f.values[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]*api.KVPair{{Key: key, Value: value, ModifyIndex: 1}})
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.values[key] = body
		_, _ = w.Write([]byte("true"))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestConsulProvider(t *testing.T) {
	server := httptest.NewServer(&fakeConsul{values: make(map[string][]byte)})
	defer server.Close()

	provider, err := NewConsulProvider(server.URL, "lstream/config")
	require.NoError(t, err)
	assert.Contains(t, provider.String(), "lstream/config")

	_, err = provider.Fetch()
	assert.ErrorIs(t, err, ErrConfigNotFound)

	require.NoError(t, provider.Put([]byte(sampleConfig)))

	cfg, err := Load(provider)
	require.NoError(t, err)
	assert.Equal(t, compression.Zstd, cfg.Topic.Compression)
	assert.Equal(t, 32, cfg.Topic.Partition.Segment.IndexInterval)
}
