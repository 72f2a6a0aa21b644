package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-recovery/internal/models"
)

// Config captures every setting required to boot the recovery orchestrator.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Logging         LoggingConfig         `yaml:"logging"`
	Tracing         TracingConfig         `yaml:"tracing"`
	Storage         StorageConfig         `yaml:"storage"`
	Checkpoint      CheckpointConfig      `yaml:"checkpoint"`
	Monitor         MonitorConfig         `yaml:"monitor"`
	Recovery        RecoveryConfig        `yaml:"recovery"`
	Breaker         BreakerConfig         `yaml:"breaker"`
	Escalation      EscalationConfig      `yaml:"escalation"`
	Targets         []TargetConfig        `yaml:"targets" validate:"dive"`
	ConfigStore     ConfigStoreConfig     `yaml:"configStore"`
	DependencyGraph DependencyGraphConfig `yaml:"dependencyGraph"`
	Cache           CacheConfig           `yaml:"cache"`
	Archive         ArchiveConfig         `yaml:"archive"`
	Rules           RulesConfig           `yaml:"rules"`
}

// ServerConfig controls the operator API, gRPC health and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	HealthAddress   string        `yaml:"healthAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout" validate:"gt=0"`
	JWTSecret       string        `yaml:"jwtSecret"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
}

// TracingConfig toggles OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
}

// StorageConfig locates the embedded incident/checkpoint/learning store.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"inMemory"`
}

// CheckpointConfig controls snapshot payload storage, schedule and retention.
type CheckpointConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=badger filesystem s3 gcs"`
	Directory string        `yaml:"directory"`
	Interval  time.Duration `yaml:"interval" validate:"gt=0"`
	Retention time.Duration `yaml:"retention" validate:"gt=0"`
	S3        S3Config      `yaml:"s3"`
	GCS       GCSConfig     `yaml:"gcs"`
}

// S3Config configures the S3 payload backend.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
}

// GCSConfig configures the Google Cloud Storage payload backend.
type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentialsFile"`
}

// MonitorConfig controls health polling and flap suppression.
type MonitorConfig struct {
	Interval      time.Duration `yaml:"interval" validate:"gt=0"`
	ProbeTimeout  time.Duration `yaml:"probeTimeout" validate:"gt=0"`
	Threshold     int           `yaml:"threshold" validate:"min=1"`
	Window        int           `yaml:"window" validate:"min=1"`
	Stabilization time.Duration `yaml:"stabilization" validate:"gte=0"`
	// LatencyZScore marks a healthy probe DEGRADED when its latency is this many
	// standard deviations above the window mean. Zero disables the check.
	LatencyZScore  float64                  `yaml:"latencyZScore" validate:"gte=0"`
	ClassIntervals map[string]time.Duration `yaml:"classIntervals"`
}

// RecoveryConfig controls strategy execution.
type RecoveryConfig struct {
	Mode                 string                   `yaml:"mode" validate:"oneof=autonomous supervised manual"`
	RetryDelay           time.Duration            `yaml:"retryDelay" validate:"gte=0"`
	RecheckTimeout       time.Duration            `yaml:"recheckTimeout" validate:"gt=0"`
	RecheckInterval      time.Duration            `yaml:"recheckInterval" validate:"gt=0"`
	Timeouts             map[string]time.Duration `yaml:"timeouts"`
	BootstrapWithoutAck  bool                     `yaml:"bootstrapWithoutAck"`
	SafeModeProfile      string                   `yaml:"safeModeProfile"`
	LearningFloor        float64                  `yaml:"learningFloor" validate:"gte=0,lte=1"`
	LearningMinSamples   int                      `yaml:"learningMinSamples" validate:"min=1"`
	ControlPlaneTimeout  time.Duration            `yaml:"controlPlaneTimeout" validate:"gt=0"`
	ControlPlaneEndpoint string                   `yaml:"controlPlaneEndpoint"`
}

// BreakerConfig controls dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failureThreshold" validate:"min=1"`
	Cooldown         time.Duration `yaml:"cooldown" validate:"gt=0"`
	CallTimeout      time.Duration `yaml:"callTimeout" validate:"gt=0"`
}

// EscalationConfig controls escalation timers and notification sinks.
type EscalationConfig struct {
	Thresholds        []time.Duration `yaml:"thresholds" validate:"min=1,max=4,dive,gt=0"`
	NoCheckpointLevel int             `yaml:"noCheckpointLevel" validate:"min=1,max=5"`
	ApprovalLevel     int             `yaml:"approvalLevel" validate:"min=1,max=5"`
	NotifyRate        float64         `yaml:"notifyRate" validate:"gt=0"`
	NotifyBurst       int             `yaml:"notifyBurst" validate:"min=1"`
	DedupeTTL         time.Duration   `yaml:"dedupeTTL" validate:"gt=0"`
	Sinks             []SinkConfig    `yaml:"sinks" validate:"dive"`
}

// SinkConfig configures one notification destination.
type SinkConfig struct {
	Type      string        `yaml:"type" validate:"oneof=log webhook redis file"`
	URL       string        `yaml:"url" validate:"required_if=Type webhook"`
	Channel   string        `yaml:"channel" validate:"required_if=Type redis"`
	Directory string        `yaml:"directory" validate:"required_if=Type file"`
	Timeout   time.Duration `yaml:"timeout"`
}

// TargetConfig declares a supervised target.
type TargetConfig struct {
	ID           string        `yaml:"id" validate:"required"`
	Class        string        `yaml:"class"`
	Criticality  string        `yaml:"criticality" validate:"omitempty,oneof=critical high medium low"`
	Endpoint     string        `yaml:"endpoint" validate:"required,url"`
	Health       HealthConfig  `yaml:"health"`
	Dependencies []string      `yaml:"dependencies"`
	PollInterval time.Duration `yaml:"pollInterval" validate:"gte=0"`
}

// HealthConfig selects the transport used to probe a target.
type HealthConfig struct {
	Transport     string `yaml:"transport" validate:"omitempty,oneof=http grpc heartbeat"`
	Path          string `yaml:"path"`
	Address       string `yaml:"address" validate:"required_if=Transport grpc"`
	Service       string `yaml:"service"`
	HeartbeatFile string `yaml:"heartbeatFile" validate:"required_if=Transport heartbeat"`
}

// ConfigStoreConfig selects the configuration store backend.
type ConfigStoreConfig struct {
	Backend   string      `yaml:"backend" validate:"oneof=file mongo"`
	Directory string      `yaml:"directory"`
	Mongo     MongoConfig `yaml:"mongo"`
}

// MongoConfig configures the MongoDB configuration store.
type MongoConfig struct {
	URI        string        `yaml:"uri"`
	Database   string        `yaml:"database"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DependencyGraphConfig selects where target dependency chains come from.
type DependencyGraphConfig struct {
	Backend string      `yaml:"backend" validate:"oneof=static neo4j"`
	Neo4j   Neo4jConfig `yaml:"neo4j"`
}

// Neo4jConfig configures the Neo4j dependency graph.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// CacheConfig controls the shared cache used to de-duplicate pages.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// ArchiveConfig configures the closed-incident archive.
type ArchiveConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RulesConfig locates the failure classification rule pack.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_RECOVERY_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			HealthAddress:   ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Tracing: TracingConfig{ServiceName: "mirador-recovery"},
		Storage: StorageConfig{Path: "data/recovery"},
		Checkpoint: CheckpointConfig{
			Backend:   "badger",
			Directory: "data/checkpoints",
			Interval:  time.Hour,
			Retention: 7 * 24 * time.Hour,
		},
		Monitor: MonitorConfig{
			Interval:      30 * time.Second,
			ProbeTimeout:  5 * time.Second,
			Threshold:     3,
			Window:        10,
			Stabilization: 60 * time.Second,
			LatencyZScore: 3,
		},
		Recovery: RecoveryConfig{
			Mode:                string(models.ModeSupervised),
			RetryDelay:          5 * time.Second,
			RecheckTimeout:      30 * time.Second,
			RecheckInterval:     2 * time.Second,
			SafeModeProfile:     "safe",
			LearningFloor:       0.10,
			LearningMinSamples:  3,
			ControlPlaneTimeout: 30 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			CallTimeout:      30 * time.Second,
		},
		Escalation: EscalationConfig{
			Thresholds:        []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute, time.Hour},
			NoCheckpointLevel: 4,
			ApprovalLevel:     4,
			NotifyRate:        5,
			NotifyBurst:       10,
			DedupeTTL:         24 * time.Hour,
			Sinks:             []SinkConfig{{Type: "log"}},
		},
		ConfigStore:     ConfigStoreConfig{Backend: "file", Directory: "data/configs"},
		DependencyGraph: DependencyGraphConfig{Backend: "static"},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Archive: ArchiveConfig{Timeout: 5 * time.Second},
		Rules:   RulesConfig{Path: "configs/rules/default.yaml"},
	}
}

var validate = validator.New()

// Validate checks field constraints and cross-field invariants.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Checkpoint.Backend == "s3" && c.Checkpoint.S3.Bucket == "" {
		return fmt.Errorf("invalid config: checkpoint.s3.bucket is required for the s3 backend")
	}
	if c.Checkpoint.Backend == "gcs" && c.Checkpoint.GCS.Bucket == "" {
		return fmt.Errorf("invalid config: checkpoint.gcs.bucket is required for the gcs backend")
	}
	if c.ConfigStore.Backend == "mongo" && c.ConfigStore.Mongo.URI == "" {
		return fmt.Errorf("invalid config: configStore.mongo.uri is required for the mongo backend")
	}
	if c.DependencyGraph.Backend == "neo4j" && c.DependencyGraph.Neo4j.URI == "" {
		return fmt.Errorf("invalid config: dependencyGraph.neo4j.uri is required for the neo4j backend")
	}
	for i := 1; i < len(c.Escalation.Thresholds); i++ {
		if c.Escalation.Thresholds[i] <= c.Escalation.Thresholds[i-1] {
			return fmt.Errorf("invalid config: escalation thresholds must be strictly increasing")
		}
	}
	for name := range c.Recovery.Timeouts {
		if _, err := models.ParseStrategy(name); err != nil {
			return fmt.Errorf("invalid config: recovery.timeouts: %w", err)
		}
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for _, target := range c.Targets {
		if _, dup := seen[target.ID]; dup {
			return fmt.Errorf("invalid config: duplicate target id %q", target.ID)
		}
		seen[target.ID] = struct{}{}
	}
	return nil
}

// StrategyTimeout returns the configured timeout for s, falling back to the declared default.
func (r RecoveryConfig) StrategyTimeout(s models.Strategy) time.Duration {
	for name, d := range r.Timeouts {
		if strings.EqualFold(name, string(s)) && d > 0 {
			return d
		}
	}
	spec, _ := s.Spec()
	return spec.Timeout
}

// PollInterval resolves the interval for a target: explicit, then per class, then global.
func (m MonitorConfig) PollInterval(t TargetConfig) time.Duration {
	if t.PollInterval > 0 {
		return t.PollInterval
	}
	if d, ok := m.ClassIntervals[t.Class]; ok && d > 0 {
		return d
	}
	return m.Interval
}

// Model converts the declaration into the domain descriptor.
func (t TargetConfig) Model(monitor MonitorConfig) models.Target {
	criticality := models.Criticality(t.Criticality)
	if criticality == "" {
		criticality = models.CriticalityMedium
	}
	return models.Target{
		ID:           t.ID,
		Class:        t.Class,
		Criticality:  criticality,
		Dependencies: append([]string(nil), t.Dependencies...),
		PollInterval: monitor.PollInterval(t),
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_RECOVERY_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_HEALTH_ADDRESS"); v != "" {
		cfg.Server.HealthAddress = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_RECOVERY_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_RECOVERY_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_MODE"); v != "" {
		cfg.Recovery.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("MIRADOR_RECOVERY_CONTROL_PLANE_ENDPOINT"); v != "" {
		cfg.Recovery.ControlPlaneEndpoint = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.Interval = d
		}
	}
	if v := os.Getenv("MIRADOR_RECOVERY_MONITOR_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.Threshold = n
		}
	}
	if v := os.Getenv("MIRADOR_RECOVERY_CHECKPOINT_BACKEND"); v != "" {
		cfg.Checkpoint.Backend = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_CHECKPOINT_S3_BUCKET"); v != "" {
		cfg.Checkpoint.S3.Bucket = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_CHECKPOINT_GCS_BUCKET"); v != "" {
		cfg.Checkpoint.GCS.Bucket = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_CONFIG_STORE_MONGO_URI"); v != "" {
		cfg.ConfigStore.Mongo.URI = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_NEO4J_URI"); v != "" {
		cfg.DependencyGraph.Neo4j.URI = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_NEO4J_PASSWORD"); v != "" {
		cfg.DependencyGraph.Neo4j.Password = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_RECOVERY_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_RECOVERY_ARCHIVE_URL"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_ARCHIVE_API_KEY"); v != "" {
		cfg.Archive.APIKey = v
	}
	if v := os.Getenv("MIRADOR_RECOVERY_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
