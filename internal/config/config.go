package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV,notEmpty"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	MigrateOnStart bool `env:"MIGRATE_ON_START" envDefault:"true"`

	QueueName      string        `env:"QUEUE_NAME" envDefault:"downloads"`
	WorkerSlots    int           `env:"WORKER_SLOTS" envDefault:"2"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"5s"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY" envDefault:"2m"`

	FetchTimeout  time.Duration `env:"FETCH_TIMEOUT" envDefault:"300s"`
	InfoTimeout   time.Duration `env:"INFO_TIMEOUT" envDefault:"60s"`
	UploadTimeout time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"180s"`
	DownloadDir   string        `env:"DOWNLOAD_DIR" envDefault:"/tmp/shortsq"`
	YTDLPPath     string        `env:"YTDLP_PATH"`
	CookiesFile   string        `env:"YTDLP_COOKIES_FILE"`
	Proxy         string        `env:"YTDLP_PROXY"`
	AccountID     string        `env:"YOUTUBE_ACCOUNT_ID" envDefault:"default"`

	AuthRefreshTTL time.Duration `env:"AUTH_REFRESH_TTL" envDefault:"5m"`

	StorageLimitBytes int64            `env:"STORAGE_LIMIT_BYTES" envDefault:"5368709120"`
	StorageLimits     map[string]int64 `env:"STORAGE_LIMITS" envKeyValSeparator:"="`

	FileExpiry        time.Duration `env:"FILE_EXPIRY" envDefault:"1h"`
	StaleJobAge       time.Duration `env:"STALE_JOB_AGE" envDefault:"24h"`
	HistoryRetention  time.Duration `env:"HISTORY_RETENTION" envDefault:"0s"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"30m"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"24h"`
	SchedulerTick     time.Duration `env:"SCHEDULER_TICK" envDefault:"1s"`
	LeaderLockKey     int64         `env:"LEADER_LOCK_KEY" envDefault:"42"`

	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"30"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"15m"`

	AdminToken string `env:"ADMIN_TOKEN"`

	GCSBucket string `env:"GCS_BUCKET_NAME"`

	AzureAccount   string `env:"AZURE_STORAGE_ACCOUNT"`
	AzureKey       string `env:"AZURE_STORAGE_KEY"`
	AzureContainer string `env:"AZURE_CONTAINER_NAME" envDefault:"videos"`

	S3Bucket string `env:"S3_BUCKET"`
	S3Region string `env:"S3_REGION" envDefault:"us-east-1"`

	SMTPHost      string   `env:"SMTP_HOST"`
	SMTPPort      int      `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser      string   `env:"SMTP_USER"`
	SMTPPass      string   `env:"SMTP_PASSWORD"`
	AlertFrom     string   `env:"ALERT_EMAIL_FROM"`
	AlertFromName string   `env:"ALERT_EMAIL_FROM_NAME" envDefault:"shortsq"`
	AlertTo       []string `env:"ALERT_EMAIL_TO" envSeparator:","`
}

func (c Config) Development() bool { return c.AppEnv == "development" }

// Ceiling is the byte limit for one provider.
func (c Config) Ceiling(provider string) int64 {
	if v, ok := c.StorageLimits[provider]; ok && v > 0 {
		return v
	}
	return c.StorageLimitBytes
}

// Lease covers one full attempt: metadata, fetch, upload plus a margin.
func (c Config) Lease() time.Duration {
	return c.InfoTimeout + c.FetchTimeout + c.UploadTimeout + time.Minute
}

func Parse(opts env.Options) (Config, error) {
	var c Config
	err := env.ParseWithOptions(&c, opts)
	return c, err
}

func Load() Config {
	c, err := Parse(env.Options{})
	if err != nil {
		log.Fatal(err)
	}
	return c
}
