package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Provider ProviderConfig `mapstructure:"provider"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Log      LogConfig      `mapstructure:"log"`
	Topic    TopicConfig    `mapstructure:"topic"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

// ProviderConfig 一个逻辑模型供应商，可配置多把 key 做故障切换
type ProviderConfig struct {
	Type                 string        `mapstructure:"type"` // doubao | qwen | openai
	APIKeys              []string      `mapstructure:"api_keys"`
	BaseURL              string        `mapstructure:"base_url"`
	Model                string        `mapstructure:"model"`
	MaxTokens            int           `mapstructure:"max_tokens"`
	Temperature          float32       `mapstructure:"temperature"`
	TopP                 float32       `mapstructure:"top_p"`
	Timeout              time.Duration `mapstructure:"timeout"`
	MaxCredentialRetries int           `mapstructure:"max_credential_retries"`
	RetryBackoff         time.Duration `mapstructure:"retry_backoff"`
	CircuitBreaker       bool          `mapstructure:"circuit_breaker"`
	DebugRequest         bool          `mapstructure:"debug_request"`
	EnableThinking       bool          `mapstructure:"enable_thinking"`
	SystemPrompt         string        `mapstructure:"system_prompt"`
	MaxHistoryMessages   int           `mapstructure:"max_history_messages"`
}

// StreamConfig 流式组装引擎参数
type StreamConfig struct {
	ThrottleInterval time.Duration `mapstructure:"throttle_interval"`
	ToolWaitTimeout  time.Duration `mapstructure:"tool_wait_timeout"`
	DeltaMode        string        `mapstructure:"delta_mode"` // incremental | cumulative
}

type ToolsConfig struct {
	Enabled    bool              `mapstructure:"enabled"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	MCPServers []MCPServerConfig `mapstructure:"mcp_servers"`
}

type MCPServerConfig struct {
	Name      string        `mapstructure:"name"`
	Transport string        `mapstructure:"transport"` // sse | stdio
	URL       string        `mapstructure:"url"`
	Command   string        `mapstructure:"command"`
	Args      []string      `mapstructure:"args"`
	Env       []string      `mapstructure:"env"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type TopicConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	TitleMaxRunes   int           `mapstructure:"title_max_runes"`
}

type StorageConfig struct {
	Type    string      `mapstructure:"type"` // memory | disk | sqlite | redis
	DataDir string      `mapstructure:"data_dir"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ExportInterval time.Duration `mapstructure:"export_interval"`
}

var cfg *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.max_header_bytes", 1<<20)

	v.SetDefault("provider.type", "openai")
	v.SetDefault("provider.timeout", 120*time.Second)
	v.SetDefault("provider.max_credential_retries", 2)
	v.SetDefault("provider.retry_backoff", 200*time.Millisecond)
	v.SetDefault("provider.max_history_messages", 20)

	v.SetDefault("stream.throttle_interval", 200*time.Millisecond)
	v.SetDefault("stream.tool_wait_timeout", 60*time.Second)
	v.SetDefault("stream.delta_mode", "incremental")

	v.SetDefault("tools.enabled", true)
	v.SetDefault("tools.timeout", 30*time.Second)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Origin", "Content-Type", "Accept"})
	v.SetDefault("cors.max_age", 43200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("topic.ttl", 30*24*time.Hour)
	v.SetDefault("topic.cleanup_interval", time.Hour)
	v.SetDefault("topic.title_max_runes", 30)

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.redis.prefix", "llmhouse:")

	v.SetDefault("metrics.export_interval", 30*time.Second)
}

// Load 读取配置文件；configPath 为空时只使用默认值和环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LLMHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return nil, err
	}

	// 配置文件优先，如果配置文件中没有设置，则使用环境变量
	if len(loaded.Provider.APIKeys) == 0 {
		if keys := os.Getenv("LLMHOUSE_API_KEYS"); keys != "" {
			loaded.Provider.APIKeys = splitKeys(keys)
		}
	}

	cfg = loaded
	return cfg, nil
}

func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func Get() *Config {
	return cfg
}
