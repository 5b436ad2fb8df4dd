// Package config defines wabridge settings and loads them from file and env.
package config

import "time"

// Config holds every setting of a wabridge process, one group per concern.
type Config struct {
	Paths    PathsConfig    `json:"paths" yaml:"paths"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Feed     FeedConfig     `json:"feed" yaml:"feed"`
	WhatsApp WhatsAppConfig `json:"whatsapp" yaml:"whatsapp"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig locates the data home. CredentialsDir defaults to DataDir/auth.
type PathsConfig struct {
	DataDir        string `json:"dataDir" yaml:"dataDir" envconfig:"DATA_DIR" validate:"required"`
	CredentialsDir string `json:"credentialsDir" yaml:"credentialsDir" envconfig:"CREDENTIALS_DIR"`
}

// ---------------------------------------------------------------------------
// Store – shared relational store
// ---------------------------------------------------------------------------

// StoreConfig selects the SQL driver and database file of the shared store.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver" envconfig:"DRIVER" validate:"oneof=sqlite sqlite3"`
	Path   string `json:"path" yaml:"path" envconfig:"DATABASE_PATH"`
}

// ---------------------------------------------------------------------------
// Feed – change feed subscription
// ---------------------------------------------------------------------------

// FeedConfig configures where row-level change events come from.
type FeedConfig struct {
	Source        string        `json:"source" yaml:"source" envconfig:"SOURCE" validate:"oneof=poll kafka redis"`
	PollInterval  time.Duration `json:"pollInterval" yaml:"pollInterval" envconfig:"POLL_INTERVAL"`
	BatchSize     int           `json:"batchSize" yaml:"batchSize" envconfig:"BATCH_SIZE" validate:"gte=1"`
	KafkaBrokers  string        `json:"kafkaBrokers" yaml:"kafkaBrokers" envconfig:"KAFKA_BROKERS" validate:"required_if=Source kafka"`
	KafkaTopic    string        `json:"kafkaTopic" yaml:"kafkaTopic" envconfig:"KAFKA_TOPIC"`
	ConsumerGroup string        `json:"consumerGroup" yaml:"consumerGroup" envconfig:"CONSUMER_GROUP"`
	ConsumerName  string        `json:"consumerName" yaml:"consumerName" envconfig:"CONSUMER_NAME"`
	RedisAddr     string        `json:"redisAddr" yaml:"redisAddr" envconfig:"REDIS_ADDR" validate:"required_if=Source redis"`
	RedisPassword string        `json:"redisPassword,omitempty" yaml:"redisPassword,omitempty" envconfig:"REDIS_PASSWORD"`
	RedisStream   string        `json:"redisStream" yaml:"redisStream" envconfig:"REDIS_STREAM"`
}

// ---------------------------------------------------------------------------
// WhatsApp – session lifecycle
// ---------------------------------------------------------------------------

// WhatsAppConfig tunes the per-tenant session state machine.
type WhatsAppConfig struct {
	ReconnectBase           time.Duration `json:"reconnectBase" yaml:"reconnectBase" envconfig:"RECONNECT_BASE" validate:"gt=0"`
	ReconnectMax            time.Duration `json:"reconnectMax" yaml:"reconnectMax" envconfig:"RECONNECT_MAX" validate:"gtefield=ReconnectBase"`
	ConnectTimeout          time.Duration `json:"connectTimeout" yaml:"connectTimeout" envconfig:"CONNECT_TIMEOUT" validate:"gt=0"`
	OperationTimeout        time.Duration `json:"operationTimeout" yaml:"operationTimeout" envconfig:"OPERATION_TIMEOUT" validate:"gt=0"`
	QRSize                  int           `json:"qrSize" yaml:"qrSize" envconfig:"QR_SIZE" validate:"gte=64,lte=1024"`
	BrowserName             string        `json:"browserName" yaml:"browserName" envconfig:"BROWSER_NAME"`
	DeviceLogLevel          string        `json:"deviceLogLevel" yaml:"deviceLogLevel" envconfig:"DEVICE_LOG_LEVEL"`
	AllowUntenantedFallback bool          `json:"allowUntenantedFallback" yaml:"allowUntenantedFallback" envconfig:"ALLOW_UNTENANTED_FALLBACK"`
}

// ---------------------------------------------------------------------------
// Relay – outbound message delivery
// ---------------------------------------------------------------------------

// RelayConfig configures outbound message delivery.
type RelayConfig struct {
	SendTimeout time.Duration `json:"sendTimeout" yaml:"sendTimeout" envconfig:"SEND_TIMEOUT" validate:"gt=0"`
	QueueSize   int           `json:"queueSize" yaml:"queueSize" envconfig:"QUEUE_SIZE" validate:"gte=1"`
}

// ---------------------------------------------------------------------------
// Notify – operator alerts
// ---------------------------------------------------------------------------

// NotifyConfig configures operator alerts. An empty webhook disables them.
type NotifyConfig struct {
	SlackWebhookURL string `json:"slackWebhookUrl,omitempty" yaml:"slackWebhookUrl,omitempty" envconfig:"SLACK_WEBHOOK_URL" validate:"omitempty,url"`
	SlackChannel    string `json:"slackChannel,omitempty" yaml:"slackChannel,omitempty" envconfig:"SLACK_CHANNEL"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" envconfig:"FORMAT" validate:"oneof=text json"`
}

// DefaultConfig returns the settings used when neither file nor env sets them.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.wabridge",
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Feed: FeedConfig{
			Source:        "poll",
			PollInterval:  500 * time.Millisecond,
			BatchSize:     100,
			KafkaTopic:    "wabridge.changes",
			ConsumerGroup: "wabridge",
			RedisStream:   "wabridge:changes",
		},
		WhatsApp: WhatsAppConfig{
			ReconnectBase:           2 * time.Second,
			ReconnectMax:            10 * time.Second,
			ConnectTimeout:          60 * time.Second,
			OperationTimeout:        30 * time.Second,
			QRSize:                  256,
			BrowserName:             "Sigortam Panel",
			DeviceLogLevel:          "WARN",
			AllowUntenantedFallback: true,
		},
		Relay: RelayConfig{
			SendTimeout: 30 * time.Second,
			QueueSize:   64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
