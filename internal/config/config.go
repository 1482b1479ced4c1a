// Package config loads the shared configuration surface for CacheIngest and
// DBApply: a JSON file merged with CLI flag overrides, generalized from the
// teacher's nested-YAML+viper loader to the spec's flat JSON key set.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full recognized key surface from §6. Both services read
// only the subset relevant to them; unused fields stay at their defaults
// and are harmless.
type Config struct {
	// Logger
	ServiceTitle  string        `mapstructure:"service_title"`
	LogRootPath   string        `mapstructure:"log_root_path"`
	WriteFile     bool          `mapstructure:"write_file"`
	WriteConsole  bool          `mapstructure:"write_console"`
	WriteInterval time.Duration `mapstructure:"write_interval"`

	// Worker pool
	HighPriorityCount   int `mapstructure:"high_priority_count"`
	NormalPriorityCount int `mapstructure:"normal_priority_count"`
	LowPriorityCount    int `mapstructure:"low_priority_count"`

	// KV (Redis)
	RedisHost                string `mapstructure:"redis_host"`
	RedisPort                int    `mapstructure:"redis_port"`
	RedisDBIndex             int    `mapstructure:"redis_db_index"`
	RedisStreamKey           string `mapstructure:"redis_stream_key"`
	RedisGroupName           string `mapstructure:"redis_group_name"`
	RedisConsumerName        string `mapstructure:"redis_consumer_name"`
	RedisBlockMs             int    `mapstructure:"redis_block_ms"`
	RedisCount               int    `mapstructure:"redis_count"`
	RedisAutoCreateGroup     bool   `mapstructure:"redis_auto_create_group"`
	RedisReconnectMaxRetries int    `mapstructure:"redis_reconnect_max_retries"`
	RedisReconnectIntervalMs int    `mapstructure:"redis_reconnect_interval_ms"`

	// Broker
	RabbitMQHost                string `mapstructure:"rabbit_mq_host"`
	RabbitMQPort                int    `mapstructure:"rabbit_mq_port"`
	RabbitMQUserName            string `mapstructure:"rabbit_mq_user_name"`
	RabbitMQPassword            string `mapstructure:"rabbit_mq_password"`
	RabbitHeartbeat             int    `mapstructure:"rabbit_heartbeat"`
	RabbitChannelID             int    `mapstructure:"rabbit_channel_id"`
	PublishQueueName            string `mapstructure:"publish_queue_name"`
	ConsumeQueueName            string `mapstructure:"consume_queue_name"`
	ContentType                 string `mapstructure:"content_type"`
	RequeueOnFailure            bool   `mapstructure:"requeue_on_failure"`
	DLXExchange                 string `mapstructure:"dlx_exchange"`
	DLXRoutingKey               string `mapstructure:"dlx_routing_key"`
	MessageTTLMs                int    `mapstructure:"message_ttl_ms"`
	RabbitMQReconnectMaxRetries int    `mapstructure:"rabbit_mq_reconnect_max_retries"`
	RabbitMQReconnectIntervalMs int    `mapstructure:"rabbit_mq_reconnect_interval_ms"`

	// Timing
	PublishIntervalMs int `mapstructure:"publish_to_main_db_service_interval_ms"`

	// DB / policy
	PostgresConn  string   `mapstructure:"postgres_conn"`
	AllowedOps    []string `mapstructure:"allowed_ops"`
	AllowedTables []string `mapstructure:"allowed_tables"`
}

// aliases maps a secondary accepted key name to the canonical field it
// feeds (§6: "rabbit_mq_host"/"rabbit_host", etc). The canonical key wins
// when both are present in the same source.
var aliases = map[string]string{
	"rabbit_host":     "rabbit_mq_host",
	"rabbit_port":     "rabbit_mq_port",
	"rabbit_user":     "rabbit_mq_user_name",
	"rabbit_password": "rabbit_mq_password",
	"rabbit_queue":    "consume_queue_name",
}

func Default() *Config {
	return &Config{
		ServiceTitle:  "cachedb-pipeline",
		WriteConsole:  true,
		WriteInterval: 5 * time.Second,

		HighPriorityCount:   1,
		NormalPriorityCount: 1,
		LowPriorityCount:    1,

		RedisHost:                "127.0.0.1",
		RedisPort:                6379,
		RedisStreamKey:           "cache:changes",
		RedisGroupName:           "cache-writers",
		RedisConsumerName:        "cache-writer-1",
		RedisBlockMs:             1000,
		RedisCount:               50,
		RedisAutoCreateGroup:     true,
		RedisReconnectMaxRetries: 5,
		RedisReconnectIntervalMs: 500,

		RabbitMQHost:                "127.0.0.1",
		RabbitMQPort:                5672,
		RabbitMQUserName:            "guest",
		RabbitMQPassword:            "guest",
		RabbitHeartbeat:             30,
		RabbitChannelID:             1,
		PublishQueueName:            "db.write",
		ConsumeQueueName:            "db.write",
		ContentType:                 "application/json",
		RequeueOnFailure:            false,
		RabbitMQReconnectMaxRetries: 5,
		RabbitMQReconnectIntervalMs: 500,

		PublishIntervalMs: 1000,
	}
}

// Load reads the JSON config file at path (a missing file is not an error —
// defaults apply, matching the original's tolerant load), applies any
// "--<key>" CLI overrides from args, then validates the result.
func Load(path string, args []string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	bindDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	resolveAliases(v)

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := applyFlags(cfg, args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveAliases copies an alias key's file value onto its canonical key
// when the canonical key itself was not set in the file.
func resolveAliases(v *viper.Viper) {
	for alias, canonical := range aliases {
		if v.IsSet(alias) && !v.InConfig(canonical) {
			v.Set(canonical, v.Get(alias))
		}
	}
}

func bindDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("service_title", def.ServiceTitle)
	v.SetDefault("write_console", def.WriteConsole)
	v.SetDefault("write_interval", def.WriteInterval)

	v.SetDefault("high_priority_count", def.HighPriorityCount)
	v.SetDefault("normal_priority_count", def.NormalPriorityCount)
	v.SetDefault("low_priority_count", def.LowPriorityCount)

	v.SetDefault("redis_host", def.RedisHost)
	v.SetDefault("redis_port", def.RedisPort)
	v.SetDefault("redis_stream_key", def.RedisStreamKey)
	v.SetDefault("redis_group_name", def.RedisGroupName)
	v.SetDefault("redis_consumer_name", def.RedisConsumerName)
	v.SetDefault("redis_block_ms", def.RedisBlockMs)
	v.SetDefault("redis_count", def.RedisCount)
	v.SetDefault("redis_auto_create_group", def.RedisAutoCreateGroup)
	v.SetDefault("redis_reconnect_max_retries", def.RedisReconnectMaxRetries)
	v.SetDefault("redis_reconnect_interval_ms", def.RedisReconnectIntervalMs)

	v.SetDefault("rabbit_mq_host", def.RabbitMQHost)
	v.SetDefault("rabbit_mq_port", def.RabbitMQPort)
	v.SetDefault("rabbit_mq_user_name", def.RabbitMQUserName)
	v.SetDefault("rabbit_mq_password", def.RabbitMQPassword)
	v.SetDefault("rabbit_heartbeat", def.RabbitHeartbeat)
	v.SetDefault("rabbit_channel_id", def.RabbitChannelID)
	v.SetDefault("publish_queue_name", def.PublishQueueName)
	v.SetDefault("consume_queue_name", def.ConsumeQueueName)
	v.SetDefault("content_type", def.ContentType)
	v.SetDefault("requeue_on_failure", def.RequeueOnFailure)
	v.SetDefault("rabbit_mq_reconnect_max_retries", def.RabbitMQReconnectMaxRetries)
	v.SetDefault("rabbit_mq_reconnect_interval_ms", def.RabbitMQReconnectIntervalMs)

	v.SetDefault("publish_to_main_db_service_interval_ms", def.PublishIntervalMs)
}

// Validate rejects configurations that can never run correctly.
func Validate(cfg *Config) error {
	if cfg.HighPriorityCount < 0 || cfg.NormalPriorityCount < 0 || cfg.LowPriorityCount < 0 {
		return fmt.Errorf("priority worker counts must be >= 0")
	}
	if cfg.PublishIntervalMs <= 0 {
		return fmt.Errorf("publish_to_main_db_service_interval_ms must be > 0")
	}
	if cfg.RedisReconnectMaxRetries < 0 || cfg.RedisReconnectIntervalMs < 0 {
		return fmt.Errorf("redis reconnect settings must be >= 0")
	}
	if cfg.RabbitMQReconnectMaxRetries < 0 || cfg.RabbitMQReconnectIntervalMs < 0 {
		return fmt.Errorf("rabbit_mq reconnect settings must be >= 0")
	}
	if cfg.ContentType == "" {
		return fmt.Errorf("content_type must not be empty")
	}
	return nil
}

// splitCSV parses a comma-separated "--allowed_ops"/"--allowed_tables"
// flag value into a string slice, matching how the JSON config file
// loads those same keys as arrays. An empty string yields an empty
// (unrestricted) list rather than a single blank entry.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyFlags registers one flag per recognized key (plus its alias, if any)
// and overlays any values the caller actually passed on top of cfg —
// mirroring the original's ArgumentParser per-key overrides.
func applyFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.Usage = func() {}

	serviceTitle := fs.String("service_title", cfg.ServiceTitle, "")
	logRootPath := fs.String("log_root_path", cfg.LogRootPath, "")
	writeFile := fs.Bool("write_file", cfg.WriteFile, "")
	writeConsole := fs.Bool("write_console", cfg.WriteConsole, "")
	writeInterval := fs.Duration("write_interval", cfg.WriteInterval, "")

	highCount := fs.Int("high_priority_count", cfg.HighPriorityCount, "")
	normalCount := fs.Int("normal_priority_count", cfg.NormalPriorityCount, "")
	lowCount := fs.Int("low_priority_count", cfg.LowPriorityCount, "")

	redisHost := fs.String("redis_host", cfg.RedisHost, "")
	redisPort := fs.Int("redis_port", cfg.RedisPort, "")
	redisDBIndex := fs.Int("redis_db_index", cfg.RedisDBIndex, "")
	redisStreamKey := fs.String("redis_stream_key", cfg.RedisStreamKey, "")
	redisGroupName := fs.String("redis_group_name", cfg.RedisGroupName, "")
	redisConsumerName := fs.String("redis_consumer_name", cfg.RedisConsumerName, "")
	redisBlockMs := fs.Int("redis_block_ms", cfg.RedisBlockMs, "")
	redisCount := fs.Int("redis_count", cfg.RedisCount, "")
	redisAutoCreateGroup := fs.Bool("redis_auto_create_group", cfg.RedisAutoCreateGroup, "")
	redisReconnectMaxRetries := fs.Int("redis_reconnect_max_retries", cfg.RedisReconnectMaxRetries, "")
	redisReconnectIntervalMs := fs.Int("redis_reconnect_interval_ms", cfg.RedisReconnectIntervalMs, "")

	rabbitMQHost := fs.String("rabbit_mq_host", cfg.RabbitMQHost, "")
	rabbitHost := fs.String("rabbit_host", "", "")
	rabbitMQPort := fs.Int("rabbit_mq_port", cfg.RabbitMQPort, "")
	rabbitPort := fs.Int("rabbit_port", 0, "")
	rabbitMQUserName := fs.String("rabbit_mq_user_name", cfg.RabbitMQUserName, "")
	rabbitUser := fs.String("rabbit_user", "", "")
	rabbitMQPassword := fs.String("rabbit_mq_password", cfg.RabbitMQPassword, "")
	rabbitPassword := fs.String("rabbit_password", "", "")
	rabbitHeartbeat := fs.Int("rabbit_heartbeat", cfg.RabbitHeartbeat, "")
	rabbitChannelID := fs.Int("rabbit_channel_id", cfg.RabbitChannelID, "")
	publishQueueName := fs.String("publish_queue_name", cfg.PublishQueueName, "")
	consumeQueueName := fs.String("consume_queue_name", cfg.ConsumeQueueName, "")
	rabbitQueue := fs.String("rabbit_queue", "", "")
	contentType := fs.String("content_type", cfg.ContentType, "")
	requeueOnFailure := fs.Bool("requeue_on_failure", cfg.RequeueOnFailure, "")
	dlxExchange := fs.String("dlx_exchange", cfg.DLXExchange, "")
	dlxRoutingKey := fs.String("dlx_routing_key", cfg.DLXRoutingKey, "")
	messageTTLMs := fs.Int("message_ttl_ms", cfg.MessageTTLMs, "")
	rabbitMQReconnectMaxRetries := fs.Int("rabbit_mq_reconnect_max_retries", cfg.RabbitMQReconnectMaxRetries, "")
	rabbitMQReconnectIntervalMs := fs.Int("rabbit_mq_reconnect_interval_ms", cfg.RabbitMQReconnectIntervalMs, "")

	publishIntervalMs := fs.Int("publish_to_main_db_service_interval_ms", cfg.PublishIntervalMs, "")

	postgresConn := fs.String("postgres_conn", cfg.PostgresConn, "")
	allowedOps := fs.String("allowed_ops", strings.Join(cfg.AllowedOps, ","), "")
	allowedTables := fs.String("allowed_tables", strings.Join(cfg.AllowedTables, ","), "")

	// Accepted but ignored here: Load's caller already consumed it to pick
	// which file to read before flags are even parsed.
	_ = fs.String("config", "", "")

	if err := fs.Parse(args); err != nil {
		return err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg.ServiceTitle = *serviceTitle
	cfg.LogRootPath = *logRootPath
	cfg.WriteFile = *writeFile
	cfg.WriteConsole = *writeConsole
	cfg.WriteInterval = *writeInterval
	cfg.HighPriorityCount = *highCount
	cfg.NormalPriorityCount = *normalCount
	cfg.LowPriorityCount = *lowCount
	cfg.RedisHost = *redisHost
	cfg.RedisPort = *redisPort
	cfg.RedisDBIndex = *redisDBIndex
	cfg.RedisStreamKey = *redisStreamKey
	cfg.RedisGroupName = *redisGroupName
	cfg.RedisConsumerName = *redisConsumerName
	cfg.RedisBlockMs = *redisBlockMs
	cfg.RedisCount = *redisCount
	cfg.RedisAutoCreateGroup = *redisAutoCreateGroup
	cfg.RedisReconnectMaxRetries = *redisReconnectMaxRetries
	cfg.RedisReconnectIntervalMs = *redisReconnectIntervalMs
	cfg.RabbitMQHost = *rabbitMQHost
	cfg.RabbitMQPort = *rabbitMQPort
	cfg.RabbitMQUserName = *rabbitMQUserName
	cfg.RabbitMQPassword = *rabbitMQPassword
	cfg.RabbitHeartbeat = *rabbitHeartbeat
	cfg.RabbitChannelID = *rabbitChannelID
	cfg.PublishQueueName = *publishQueueName
	cfg.ConsumeQueueName = *consumeQueueName
	cfg.ContentType = *contentType
	cfg.RequeueOnFailure = *requeueOnFailure
	cfg.DLXExchange = *dlxExchange
	cfg.DLXRoutingKey = *dlxRoutingKey
	cfg.MessageTTLMs = *messageTTLMs
	cfg.RabbitMQReconnectMaxRetries = *rabbitMQReconnectMaxRetries
	cfg.RabbitMQReconnectIntervalMs = *rabbitMQReconnectIntervalMs
	cfg.PublishIntervalMs = *publishIntervalMs
	cfg.PostgresConn = *postgresConn
	cfg.AllowedOps = splitCSV(*allowedOps)
	cfg.AllowedTables = splitCSV(*allowedTables)

	// Aliases only take effect when the canonical flag was left untouched.
	if set["rabbit_host"] && !set["rabbit_mq_host"] {
		cfg.RabbitMQHost = *rabbitHost
	}
	if set["rabbit_port"] && !set["rabbit_mq_port"] {
		cfg.RabbitMQPort = *rabbitPort
	}
	if set["rabbit_user"] && !set["rabbit_mq_user_name"] {
		cfg.RabbitMQUserName = *rabbitUser
	}
	if set["rabbit_password"] && !set["rabbit_mq_password"] {
		cfg.RabbitMQPassword = *rabbitPassword
	}
	if set["rabbit_queue"] && !set["consume_queue_name"] {
		cfg.ConsumeQueueName = *rabbitQueue
	}

	return nil
}
