// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储管理接口 JWT 相关的配置。
type JWTConfig struct {
	Secret           string `mapstructure:"secret"`
	AdminKey         string `mapstructure:"admin_key"`
	TokenExpireHours int    `mapstructure:"token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
	IntakePrefix    string `mapstructure:"intake_prefix"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// IngestConfig 存储知识摄取调度循环的配置。
// 该段配置支持运行时热更新：修改配置文件后在下一个调度周期生效。
type IngestConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	ChunkTargetSize    int           `mapstructure:"chunk_target_size"`
	MaxConcurrentFiles int           `mapstructure:"max_concurrent_files"`
	Extensions         []string      `mapstructure:"extensions"`
}

// ingestSnapshot 保存最近一次成功解析的 Ingest 配置快照。
// 调度循环每个周期通过 IngestSnapshot() 读取最新值，而不是在启动时捕获一次。
var ingestSnapshot atomic.Pointer[IngestConfig]

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
	StoreIngestSnapshot(Conf.Ingest)
}

// Watch 监听配置文件变化并刷新 Ingest 配置快照。
// onReload 可为 nil；解析失败时保留旧快照，避免半成品配置影响调度。
func Watch(onReload func(IngestConfig)) {
	viper.OnConfigChange(func(_ fsnotify.Event) {
		var next Config
		if err := viper.Unmarshal(&next); err != nil {
			return
		}
		Conf = next
		StoreIngestSnapshot(next.Ingest)
		if onReload != nil {
			onReload(IngestSnapshot())
		}
	})
	viper.WatchConfig()
}

// IngestSnapshot 返回当前生效的 Ingest 配置快照（带默认值兜底）。
func IngestSnapshot() IngestConfig {
	if p := ingestSnapshot.Load(); p != nil {
		return *p
	}
	return normalizeIngest(IngestConfig{})
}

// StoreIngestSnapshot 原子地替换 Ingest 配置快照。
func StoreIngestSnapshot(cfg IngestConfig) {
	normalized := normalizeIngest(cfg)
	ingestSnapshot.Store(&normalized)
}

// normalizeIngest 为缺省的字段补默认值。
func normalizeIngest(cfg IngestConfig) IngestConfig {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.ChunkTargetSize <= 0 {
		cfg.ChunkTargetSize = 2000
	}
	if cfg.MaxConcurrentFiles <= 0 {
		cfg.MaxConcurrentFiles = 3
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".txt", ".md", ".log", ".text"}
	}
	return cfg
}
