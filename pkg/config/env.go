package config

const (
	EnvPrefix = "GLIT"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)

const (
	EnvAppEnv      = "GLIT_APP_ENV"
	EnvPort        = "GLIT_APP_PORT"
	EnvDBDSN       = "GLIT_DB_DSN"
	EnvDBDriver    = "GLIT_DB_DRIVER"
	EnvDBHost      = "GLIT_DB_HOST"
	EnvDBUser      = "GLIT_DB_USER"
	EnvDBName      = "GLIT_DB_NAME"
	EnvRedisURL    = "GLIT_REDIS_URL"
	EnvJWTSecret   = "GLIT_JWT_SECRET"
	EnvJWTIssuer   = "GLIT_JWT_ISSUER"
	EnvRetention   = "GLIT_NOTIFICATION_RETENTION_DAYS"
	EnvOrigins     = "GLIT_REALTIME_ALLOWED_ORIGINS"
	EnvNotifSubKey = "GLIT_PUBSUB_NOTIFICATION_SUBSCRIPTION"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
