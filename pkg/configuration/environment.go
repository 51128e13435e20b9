package configuration

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/iota-uz/utils/fs"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/lahari-sy/finmap/pkg/logging"
)

const Production = "production"

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

// LoadEnv loads the env files that exist in the working directory. When
// none do, it retries from the nearest directory holding a go.mod.
func LoadEnv(envFiles []string) (int, error) {
	existing := existingFiles("", envFiles)
	if len(existing) == 0 {
		if root := moduleRoot(); root != "" {
			existing = existingFiles(root, envFiles)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

func existingFiles(dir string, envFiles []string) []string {
	out := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		path := file
		if dir != "" {
			path = filepath.Join(dir, file)
		}
		if fs.FileExists(path) {
			out = append(out, path)
		}
	}
	return out
}

func moduleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if fs.FileExists(filepath.Join(dir, "go.mod")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"finmap"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=%s pool_max_conns=%d",
		d.Host, d.Port, d.User, d.Name, d.Password, d.SSLMode, d.MaxConns,
	)
}

type RedisOptions struct {
	URL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	// EpochEnabled shares cascade invalidations between replicas.
	EpochEnabled bool   `env:"CASCADE_EPOCH_ENABLED" envDefault:"false"`
	EpochKey     string `env:"CASCADE_EPOCH_KEY" envDefault:"finmap:cascade:epoch"`
}

type LogOptions struct {
	Level string `env:"LOG_LEVEL" envDefault:"error"`
	Path  string `env:"LOG_PATH" envDefault:"./logs/app.log"`
}

type OpenTelemetryOptions struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	TempoURL    string `env:"OTEL_TEMPO_URL" envDefault:"localhost:4318"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"finmap"`
}

type PrometheusOptions struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"false"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/debug/prometheus"`
}

type RateLimitOptions struct {
	Enabled   bool   `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	GlobalRPS int    `env:"RATE_LIMIT_GLOBAL_RPS" envDefault:"1000"`
	Storage   string `env:"RATE_LIMIT_STORAGE" envDefault:"memory"` // memory or redis
	RedisURL  string `env:"RATE_LIMIT_REDIS_URL"`
}

// Validate checks the rate limit configuration for errors
func (r *RateLimitOptions) Validate() error {
	if r.GlobalRPS < 0 {
		return fmt.Errorf("rate limit GlobalRPS must be non-negative, got %d", r.GlobalRPS)
	}
	if r.GlobalRPS > 1000000 {
		return fmt.Errorf("rate limit GlobalRPS too high, maximum is 1,000,000, got %d", r.GlobalRPS)
	}
	if r.Storage != "memory" && r.Storage != "redis" {
		return fmt.Errorf("invalid RATE_LIMIT_STORAGE=%q (expected memory|redis)", r.Storage)
	}
	if r.Storage == "redis" && r.RedisURL == "" {
		return fmt.Errorf("rate limit RedisURL is required when Storage is 'redis'")
	}
	return nil
}

type MappingOptions struct {
	DatasetsPath string        `env:"DATASETS_PATH" envDefault:"config/datasets.yaml"`
	CascadeTTL   time.Duration `env:"CASCADE_TTL" envDefault:"1h"`
	DefaultActor string        `env:"DEFAULT_ACTOR" envDefault:"system"`
	// ActorHeader names the header that identifies the submitting user.
	ActorHeader   string `env:"ACTOR_HEADER" envDefault:"X-Actor"`
	MaxUploadSize int64  `env:"MAX_UPLOAD_SIZE" envDefault:"33554432"`
}

// OrchestrationOptions configures the downstream refresh pipeline.
// Jobs maps a pipeline name to its dbt Cloud job id, e.g.
// "coa=7047,adjustments=7048".
type OrchestrationOptions struct {
	DBTHost      string            `env:"DBT_HOST" envDefault:"cloud.getdbt.com"`
	DBTAccountID string            `env:"DBT_ACCOUNT_ID"`
	DBTToken     string            `env:"DBT_API_TOKEN"`
	Jobs         map[string]string `env:"DBT_JOBS" envSeparator:"," envKeyValSeparator:"="`

	PollInterval time.Duration `env:"DBT_POLL_INTERVAL" envDefault:"10s"`
	MaxWait      time.Duration `env:"DBT_MAX_WAIT" envDefault:"10m"`

	TenantID     string `env:"POWERBI_TENANT_ID"`
	ClientID     string `env:"POWERBI_CLIENT_ID"`
	ClientSecret string `env:"POWERBI_CLIENT_SECRET"`
	WorkspaceID  string `env:"POWERBI_WORKSPACE_ID"`
	DatasetID    string `env:"POWERBI_DATASET_ID"`
}

// Enabled reports whether both dbt and Power BI credentials are present.
func (o *OrchestrationOptions) Enabled() bool {
	return o.DBTAccountID != "" && o.DBTToken != "" && o.ClientID != "" && o.ClientSecret != ""
}

type Configuration struct {
	Database      DatabaseOptions
	Redis         RedisOptions
	Log           LogOptions
	OpenTelemetry OpenTelemetryOptions
	Prometheus    PrometheusOptions
	RateLimit     RateLimitOptions
	Mapping       MappingOptions
	Orchestration OrchestrationOptions

	ServerPort       int    `env:"PORT" envDefault:"3200"`
	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	SocketAddress    string `env:"-"`
	// CORSOrigins is a comma separated allow-list; empty allows none.
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
	// Looked up in the request; a random uuidv4 is generated when absent.
	RequestIDHeader string `env:"REQUEST_ID_HEADER" envDefault:"X-Request-ID"`
	// Looked up in the request; request.RemoteAddr is used when absent.
	RealIPHeader string `env:"REAL_IP_HEADER" envDefault:"X-Real-IP"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	return ParseLogLevel(c.Log.Level)
}

// ParseLogLevel maps LOG_LEVEL values to logrus levels. Unknown values
// fall back to error.
func ParseLogLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

// Load parses the environment without touching the singleton.
func Load(envFiles ...string) (*Configuration, error) {
	c := &Configuration{}
	if err := c.load(envFiles); err != nil {
		c.Unload()
		return nil, err
	}
	return c, nil
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 && len(envFiles) > 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}

	f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.Log.Path)
	if err != nil {
		return err
	}
	c.logFile = f
	c.logger = logger

	c.Database.Opts = c.Database.ConnectionString()
	if c.GoAppEnvironment == Production {
		c.SocketAddress = fmt.Sprintf(":%d", c.ServerPort)
	} else {
		c.SocketAddress = fmt.Sprintf("localhost:%d", c.ServerPort)
	}
	return nil
}

// Validate checks every section.
func (c *Configuration) Validate() error {
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate limit configuration error: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "silent", "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid LOG_LEVEL=%q (expected silent|error|warn|info|debug)", c.Log.Level)
	}
	switch c.Database.SSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("invalid DB_SSLMODE=%q (expected disable|allow|prefer|require|verify-ca|verify-full)", c.Database.SSLMode)
	}
	if c.Mapping.CascadeTTL < 0 {
		return fmt.Errorf("invalid CASCADE_TTL=%s (expected a non-negative duration)", c.Mapping.CascadeTTL)
	}
	if c.Mapping.MaxUploadSize <= 0 {
		return fmt.Errorf("invalid MAX_UPLOAD_SIZE=%d (expected a positive byte count)", c.Mapping.MaxUploadSize)
	}
	if c.Orchestration.PollInterval <= 0 || c.Orchestration.MaxWait < c.Orchestration.PollInterval {
		return fmt.Errorf("invalid DBT_POLL_INTERVAL=%s DBT_MAX_WAIT=%s (expected 0 < interval <= max wait)",
			c.Orchestration.PollInterval, c.Orchestration.MaxWait)
	}
	return nil
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}
