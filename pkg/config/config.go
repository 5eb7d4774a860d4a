package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// API configures the remote GraphQL collaborator.
type API struct {
	Endpoint    string        `env:"ENDPOINT,default=https://api.ostorlab.co/apis/graphql"`
	Key         string        `env:"KEY"`
	Timeout     time.Duration `env:"TIMEOUT,default=30s"`
	RetryMax    int           `env:"RETRY_MAX,default=3"`
	RateLimit   float64       `env:"RATE_LIMIT,default=5"`
	BreakerName string        `env:"BREAKER_NAME,default=oxo-api"`
}

// Store configures the optional scan store.
type Store struct {
	DSN string `env:"DSN"`
}

// Archive configures optional upload of scan logs to object storage.
type Archive struct {
	Bucket         string        `env:"BUCKET"`
	Prefix         string        `env:"PREFIX,default=scans"`
	Endpoint       string        `env:"S3_ENDPOINT"`
	AccessKey      string        `env:"S3_ACCESS_KEY"`
	SecretKey      string        `env:"S3_SECRET_KEY"`
	Region         string        `env:"S3_REGION,default=us-east-1"`
	DisableTLS     bool          `env:"S3_DISABLE_TLS,default=false"`
	ForcePathStyle bool          `env:"S3_FORCE_PATH_STYLE,default=true"`
	LinkTTL        time.Duration `env:"LINK_TTL,default=24h"`
}

// Enabled reports whether scan logs should be archived.
func (a Archive) Enabled() bool { return a.Bucket != "" && a.Endpoint != "" }

// Runtime configures the local orchestrator.
type Runtime struct {
	MQImage             string        `env:"MQ_IMAGE,default=rabbitmq:3.9-management"`
	MQUser              string        `env:"MQ_USER,default=guest"`
	MQPassword          string        `env:"MQ_PASSWORD,default=guest"`
	MQExchange          string        `env:"MQ_EXCHANGE,default=ostorlab_topic_exchange"`
	RedisImage          string        `env:"REDIS_IMAGE,default=redis:7"`
	HealthAttempts      int           `env:"HEALTH_ATTEMPTS,default=20"`
	HealthBaseDelay     time.Duration `env:"HEALTH_BASE_DELAY,default=500ms"`
	HealthMaxDelay      time.Duration `env:"HEALTH_MAX_DELAY,default=5s"`
	InfraAttempts       int           `env:"INFRA_ATTEMPTS,default=3"`
	InfraBackoff        time.Duration `env:"INFRA_BACKOFF,default=2s"`
	MonitorInterval     time.Duration `env:"MONITOR_INTERVAL,default=5s"`
	TracingCollectorURL string        `env:"TRACING_COLLECTOR_URL"`

	API     API     `env:", prefix=API_"`
	Store   Store   `env:", prefix=STORE_"`
	Archive Archive `env:", prefix=ARCHIVE_"`
}

// Scanner configures a scanner process.
type Scanner struct {
	ID             string        `env:"ID,required"`
	Addr           string        `env:"ADDR,default=:8080"`
	ReportInterval time.Duration `env:"REPORT_INTERVAL,default=60s"`
	AckWait        time.Duration `env:"ACK_WAIT,default=2m"`
	FetchBatch     int           `env:"FETCH_BATCH,default=1"`
	MaxDeliver     int           `env:"MAX_DELIVER,default=5"`
	NakDelay       time.Duration `env:"NAK_DELAY,default=10s"`
	DeadLetter     string        `env:"DEAD_LETTER_SUBJECT"`
	OTLPEndpoint   string        `env:"OTLP_ENDPOINT"`

	API     API     `env:", prefix=API_"`
	Runtime Runtime `env:", prefix=RUNTIME_"`
}

// Agent configures an agent process inside its container.
type Agent struct {
	DefinitionPath string `env:"DEFINITION_PATH,default=/tmp/oxo.yaml"`
	SettingsPath   string `env:"SETTINGS_PATH,default=/tmp/settings.json"`
	KBDir          string `env:"KB_DIR"`
}

// Overrides maps variable names without the prefix, such as API_KEY, to
// values that take precedence over the environment. Command line flags land
// here.
type Overrides map[string]string

// LoadRuntime reads OXO_* variables into a Runtime config.
func LoadRuntime(ctx context.Context, overrides Overrides) (Runtime, error) {
	var cfg Runtime
	if err := process(ctx, "OXO_", overrides, &cfg); err != nil {
		return Runtime{}, err
	}
	return cfg, nil
}

// LoadScanner reads OXO_SCANNER_* variables into a Scanner config.
func LoadScanner(ctx context.Context, overrides Overrides) (Scanner, error) {
	var cfg Scanner
	if err := process(ctx, "OXO_SCANNER_", overrides, &cfg); err != nil {
		return Scanner{}, err
	}
	return cfg, nil
}

// LoadAgent reads OXO_AGENT_* variables into an Agent config.
func LoadAgent(ctx context.Context, overrides Overrides) (Agent, error) {
	var cfg Agent
	if err := process(ctx, "OXO_AGENT_", overrides, &cfg); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

func process(ctx context.Context, prefix string, overrides Overrides, target any) error {
	lookuper := envconfig.PrefixLookuper(prefix, envconfig.OsLookuper())
	if len(overrides) > 0 {
		lookuper = envconfig.MultiLookuper(envconfig.MapLookuper(overrides), lookuper)
	}
	return envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   target,
		Lookuper: lookuper,
	})
}
