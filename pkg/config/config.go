// Package config resolves the immutable settings each component is started
// with. Values come from the process environment, an optional .env file and an
// optional per-environment YAML profile, in that order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// ProfileEnv names the variable pointing at a YAML environment profile.
	ProfileEnv = "ETL_PROFILE"

	BackendSNS  = "sns"
	BackendNATS = "nats"

	MarketSpot     = "spot"
	MarketOnDemand = "on-demand"
)

// AWS holds SDK overrides. Credentials are resolved by the SDK default chain.
type AWS struct {
	Region   string `env:"AWS_REGION,default=us-east-1"`
	Endpoint string `env:"AWS_ENDPOINT_URL"`
}

// Notification identifies the outcome channel.
type Notification struct {
	TopicID string `env:"NOTIFICATION_TOPIC_ID,required"`
	Backend string `env:"NOTIFICATION_BACKEND,default=sns"`
	NATSURL string `env:"NATS_URL,default=nats://127.0.0.1:4222"`
}

// Storage overrides the code storage endpoint for S3-compatible stores.
type Storage struct {
	Endpoint       string `env:"S3_ENDPOINT"`
	AccessKey      string `env:"S3_ACCESS_KEY"`
	SecretKey      string `env:"S3_SECRET_KEY"`
	ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=false"`
}

// Observability configures logging and tracing.
type Observability struct {
	LogFormat    string `env:"LOG_FORMAT,default=json"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Trigger is the configuration bound to the trigger service at deploy time.
type Trigger struct {
	Environment       string        `env:"ENVIRONMENT_LABEL,required"`
	Subnet            string        `env:"NETWORK_SUBNET,required"`
	SecurityPolicyID  string        `env:"SECURITY_POLICY_ID,required"`
	CapabilityProfile string        `env:"CAPABILITY_PROFILE,required"`
	CodeLocation      string        `env:"CODE_STORAGE_LOCATION,required"`
	ImageID           string        `env:"INSTANCE_IMAGE_ID,required"`
	InstanceType      string        `env:"INSTANCE_TYPE,default=t3.micro"`
	Market            string        `env:"INSTANCE_MARKET,default=spot"`
	Project           string        `env:"PROJECT_TAG,default=reverse-etl"`
	DataSourceConn    string        `env:"DATA_SOURCE_CONN"`
	DataDestConn      string        `env:"DATA_DEST_CONN"`
	SecretsLocation   string        `env:"ETL_SECRETS_LOCATION"`
	SourceQuery       string        `env:"ETL_SOURCE_QUERY"`
	DestTable         string        `env:"ETL_DEST_TABLE"`
	TruncateDest      bool          `env:"ETL_TRUNCATE_DEST,default=false"`
	BundlePublicKey   string        `env:"BUNDLE_PUBLIC_KEY"`
	BundlePresignTTL  time.Duration `env:"BUNDLE_PRESIGN_TTL,default=0s"`
	FulfillmentWait   time.Duration `env:"FULFILLMENT_WAIT,default=30s"`
	Timeout           time.Duration `env:"INVOCATION_TIMEOUT,default=5m"`
	LedgerDSN         string        `env:"LEDGER_DSN"`

	Notification  Notification
	Storage       Storage
	AWS           AWS
	Observability Observability
}

// Runner holds what the job runner needs to report an outcome. Every field
// is a plain string so it resolves whenever the topic is known.
type Runner struct {
	Environment string `env:"ENVIRONMENT_LABEL,default=unknown"`
	RunID       string `env:"ETL_RUN_ID"`
	InstanceID  string `env:"INSTANCE_ID"`

	Notification  Notification
	AWS           AWS
	Observability Observability
}

// Job is the ETL work configuration. The runner resolves it separately from
// Runner and reports any error as the job's failure.
type Job struct {
	IdentityTimeout time.Duration `env:"IDENTITY_TIMEOUT,default=10s"`
	PublishTimeout  time.Duration `env:"PUBLISH_TIMEOUT,default=30s"`
	DataSourceConn  string        `env:"DATA_SOURCE_CONN"`
	DataDestConn    string        `env:"DATA_DEST_CONN"`
	SecretsLocation string        `env:"ETL_SECRETS_LOCATION"`
	SourceQuery     string        `env:"ETL_SOURCE_QUERY"`
	DestTable       string        `env:"ETL_DEST_TABLE"`
	TruncateDest    bool          `env:"ETL_TRUNCATE_DEST,default=false"`
	BundleDir       string        `env:"BUNDLE_DIR"`
	BundlePublicKey string        `env:"BUNDLE_PUBLIC_KEY"`
}

// Cleanup is the configuration of the cleanup service.
type Cleanup struct {
	Timeout   time.Duration `env:"INVOCATION_TIMEOUT,default=5m"`
	LedgerDSN string        `env:"LEDGER_DSN"`

	AWS           AWS
	Observability Observability
}

// Scheduler configures the self-hosted daemon that replaces EventBridge and
// the SNS subscription when running against NATS.
type Scheduler struct {
	Schedule        string `env:"SCHEDULE,default=@every 1h"`
	Addr            string `env:"ADDR,default=:8080"`
	ConsumeOutcomes bool   `env:"CONSUME_OUTCOMES,default=true"`
	CleanupDurable  string `env:"CLEANUP_DURABLE,default=spotetl-cleanup"`
	LedgerDurable   string `env:"LEDGER_DURABLE,default=spotetl-ledger"`

	Trigger Trigger
}

// Profile is a per-environment defaults file, e.g. deploy/config/dev.yaml.
type Profile struct {
	Environment string            `yaml:"environment"`
	Values      map[string]string `yaml:"values"`
}

// LoadTrigger resolves the trigger configuration.
func LoadTrigger(ctx context.Context) (Trigger, error) {
	var cfg Trigger
	if err := process(ctx, &cfg); err != nil {
		return Trigger{}, err
	}
	return cfg, cfg.Validate()
}

// LoadRunner resolves the job runner configuration.
func LoadRunner(ctx context.Context) (Runner, error) {
	var cfg Runner
	if err := process(ctx, &cfg); err != nil {
		return Runner{}, err
	}
	return cfg, cfg.Notification.Validate()
}

// LoadJob resolves the ETL work configuration on the compute unit.
func LoadJob(ctx context.Context) (Job, error) {
	var cfg Job
	if err := process(ctx, &cfg); err != nil {
		return Job{}, err
	}
	return cfg, nil
}

// LoadCleanup resolves the cleanup configuration.
func LoadCleanup(ctx context.Context) (Cleanup, error) {
	var cfg Cleanup
	if err := process(ctx, &cfg); err != nil {
		return Cleanup{}, err
	}
	return cfg, nil
}

// LoadScheduler resolves the scheduler daemon configuration.
func LoadScheduler(ctx context.Context) (Scheduler, error) {
	var cfg Scheduler
	if err := process(ctx, &cfg); err != nil {
		return Scheduler{}, err
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		return Scheduler{}, errors.New("SCHEDULE must not be empty")
	}
	return cfg, cfg.Trigger.Validate()
}

// Validate checks enumerated values that envconfig cannot express.
func (t Trigger) Validate() error {
	switch t.Market {
	case MarketSpot, MarketOnDemand:
	default:
		return fmt.Errorf("INSTANCE_MARKET must be %q or %q, got %q", MarketSpot, MarketOnDemand, t.Market)
	}
	if t.Timeout <= 0 {
		return errors.New("INVOCATION_TIMEOUT must be positive")
	}
	if t.SecretsLocation != "" && (t.DataSourceConn != "" || t.DataDestConn != "") {
		return errors.New("set either ETL_SECRETS_LOCATION or DATA_SOURCE_CONN/DATA_DEST_CONN, not both")
	}
	return t.Notification.Validate()
}

// Validate checks the notification backend.
func (n Notification) Validate() error {
	switch n.Backend {
	case BackendSNS, BackendNATS:
		return nil
	default:
		return fmt.Errorf("NOTIFICATION_BACKEND must be %q or %q, got %q", BackendSNS, BackendNATS, n.Backend)
	}
}

// Process resolves any env-tagged struct with the same sources as the Load
// functions.
func Process(ctx context.Context, target any) error {
	return process(ctx, target)
}

func process(ctx context.Context, target any) error {
	_ = godotenv.Load()

	lookuper, err := lookuperFromProfile(os.Getenv(ProfileEnv))
	if err != nil {
		return err
	}
	return processWith(ctx, target, lookuper)
}

func processWith(ctx context.Context, target any, lookuper envconfig.Lookuper) error {
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   target,
		Lookuper: lookuper,
	}); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return nil
}

// lookuperFromProfile layers the process environment over the profile values.
func lookuperFromProfile(path string) (envconfig.Lookuper, error) {
	if strings.TrimSpace(path) == "" {
		return envconfig.OsLookuper(), nil
	}
	profile, err := ReadProfile(path)
	if err != nil {
		return nil, err
	}
	return envconfig.MultiLookuper(envconfig.OsLookuper(), envconfig.MapLookuper(profile.env())), nil
}

// ReadProfile parses a YAML environment profile.
func ReadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return p, nil
}

func (p Profile) env() map[string]string {
	out := make(map[string]string, len(p.Values)+1)
	for k, v := range p.Values {
		out[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	if p.Environment != "" {
		if _, ok := out["ENVIRONMENT_LABEL"]; !ok {
			out["ENVIRONMENT_LABEL"] = p.Environment
		}
	}
	return out
}
