package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// App
	// ----------------------------
	Environment string `envconfig:"APP_ENV" default:"development"`
	AppURL      string `envconfig:"APP_URL" default:"http://localhost:3000"`

	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@mailflow.app"`
	TemplateDir  string `envconfig:"TEMPLATE_DIR" default:"templates"`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount   int `envconfig:"WORKER_COUNT" default:"5"`
	RateLimit     int `envconfig:"RATE_LIMIT" default:"10"`
	RetryAttempts int `envconfig:"RETRY_ATTEMPTS" default:"3"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort    string `envconfig:"API_PORT" default:"8080"`
	MaxCSVRows int    `envconfig:"MAX_CSV_ROWS" default:"1000"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Storage & broker
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	RedisURL    string `envconfig:"REDIS_URL" default:""`
	AMQPURL     string `envconfig:"AMQP_URL" default:""`
	AMQPQueue   string `envconfig:"AMQP_QUEUE" default:"email_queue"`

	// ----------------------------
	// Google OAuth (Sheets import)
	// ----------------------------
	Google GoogleConfig `envconfig:"GOOGLE"`
	OAuth  OAuthConfig  `envconfig:"OAUTH"`
}

type GoogleConfig struct {
	ClientID              string   `envconfig:"CLIENT_ID" default:""`
	ClientSecret          string   `envconfig:"CLIENT_SECRET" default:""`
	LocalRedirectURI      string   `envconfig:"LOCAL_REDIRECT_URI" default:"http://localhost:8080/api/integrations/google/callback"`
	ProductionRedirectURI string   `envconfig:"PRODUCTION_REDIRECT_URI" default:""`
	Scopes                []string `envconfig:"SCOPES" default:"https://www.googleapis.com/auth/spreadsheets.readonly,https://www.googleapis.com/auth/drive.readonly"`
	AuthURL               string   `envconfig:"AUTH_URL" default:"https://accounts.google.com/o/oauth2/v2/auth"`
	TokenURL              string   `envconfig:"TOKEN_URL" default:"https://oauth2.googleapis.com/token"`
}

type OAuthConfig struct {
	StateTTL         time.Duration `envconfig:"STATE_TTL" default:"10m"`
	RateLimit        int           `envconfig:"RATE_LIMIT" default:"10"`
	RateWindow       time.Duration `envconfig:"RATE_WINDOW" default:"1m"`
	TokenCachePrefix string        `envconfig:"TOKEN_CACHE_PREFIX" default:"mailflow:oauth:token:"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"15m"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// RedirectURI is the OAuth callback registered for the current environment.
func (c *Config) RedirectURI() string {
	if c.IsProduction() {
		return c.Google.ProductionRedirectURI
	}
	return c.Google.LocalRedirectURI
}
