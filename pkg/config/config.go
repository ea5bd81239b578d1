package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App           AppConfig
	Service       ServiceConfig
	DB            DBConfig
	Redis         RedisConfig
	JWT           JWTConfig
	FeatureFlags  FeatureFlagsConfig
	Realtime      RealtimeConfig
	Delivery      DeliveryConfig
	Notifications NotificationsConfig
	Cron          CronConfig
	Eventing      EventingConfig
	GCP           GCPConfig
	PubSub        PubSubConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"GLIT_APP_ENV" required:"true"`
	Port         string `envconfig:"GLIT_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"GLIT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"GLIT_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"GLIT_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"GLIT_DB_DSN"`
	Driver string `envconfig:"GLIT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"GLIT_DB_HOST"`
	LegacyPort     int    `envconfig:"GLIT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"GLIT_DB_USER"`
	LegacyPassword string `envconfig:"GLIT_DB_PASSWORD"`
	LegacyName     string `envconfig:"GLIT_DB_NAME"`
	LegacySSLMode  string `envconfig:"GLIT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"GLIT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"GLIT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"GLIT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"GLIT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the configured driver targets SQLite.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"GLIT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"GLIT_REDIS_ADDR"`
	Password     string        `envconfig:"GLIT_REDIS_PASSWORD"`
	DB           int           `envconfig:"GLIT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"GLIT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"GLIT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"GLIT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"GLIT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"GLIT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig holds the verification settings for access tokens minted by the auth service.
type JWTConfig struct {
	Secret         string `envconfig:"GLIT_JWT_SECRET" required:"true"`
	Issuer         string `envconfig:"GLIT_JWT_ISSUER" required:"true"`
	RequireSession bool   `envconfig:"GLIT_JWT_REQUIRE_SESSION" default:"true"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"GLIT_AUTO_MIGRATE" default:"false"`
}

// RealtimeConfig tunes the websocket gateway.
type RealtimeConfig struct {
	WriteTimeout    time.Duration `envconfig:"GLIT_REALTIME_WRITE_TIMEOUT" default:"10s"`
	PongWait        time.Duration `envconfig:"GLIT_REALTIME_PONG_WAIT" default:"60s"`
	PingInterval    time.Duration `envconfig:"GLIT_REALTIME_PING_INTERVAL" default:"50s"`
	MaxMessageBytes int64         `envconfig:"GLIT_REALTIME_MAX_MESSAGE_BYTES" default:"4096"`
	SendBuffer      int           `envconfig:"GLIT_REALTIME_SEND_BUFFER" default:"64"`
	AllowedOrigins  []string      `envconfig:"GLIT_REALTIME_ALLOWED_ORIGINS"`
	SocketMarkRead  bool          `envconfig:"GLIT_REALTIME_SOCKET_MARK_READ" default:"false"`
}

// DeliveryConfig sizes the asynchronous push dispatcher.
type DeliveryConfig struct {
	Workers     int           `envconfig:"GLIT_DELIVERY_WORKERS" default:"8"`
	QueueSize   int           `envconfig:"GLIT_DELIVERY_QUEUE_SIZE" default:"1024"`
	PushTimeout time.Duration `envconfig:"GLIT_DELIVERY_PUSH_TIMEOUT" default:"5s"`
	DrainWait   time.Duration `envconfig:"GLIT_DELIVERY_DRAIN_WAIT" default:"10s"`
}

type NotificationsConfig struct {
	RetentionDays int `envconfig:"GLIT_NOTIFICATION_RETENTION_DAYS" default:"30"`
	BulkBatchSize int `envconfig:"GLIT_NOTIFICATION_BULK_BATCH_SIZE" default:"500"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"GLIT_CRON_INTERVAL" default:"24h"`
	LockTTL  time.Duration `envconfig:"GLIT_CRON_LOCK_TTL" default:"25h"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"GLIT_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"GLIT_GCP_PROJECT_ID"`
}

// PubSubConfig is optional; the notification intake consumer only starts when a subscription is set.
type PubSubConfig struct {
	NotificationSubscription string `envconfig:"GLIT_PUBSUB_NOTIFICATION_SUBSCRIPTION"`
}

// Enabled reports whether notification intake over Pub/Sub is configured.
func (p PubSubConfig) Enabled() bool {
	return strings.TrimSpace(p.NotificationSubscription) != ""
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		return fmt.Errorf("%s is required for the sqlite driver", EnvDBDSN)
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
