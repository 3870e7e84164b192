// Package config provides configuration management for binwatch.
// Configuration is loaded from environment variables (optionally seeded from a
// .env file) with sensible defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Default values
	DefaultPort     = 8788
	DefaultLogLevel = "info"
	DefaultDataDir  = ".binwatch"

	// Environment variable names
	EnvPort     = "BINWATCH_PORT"
	EnvLogLevel = "BINWATCH_LOG_LEVEL"
	EnvLogFile  = "BINWATCH_LOG_FILE"
	EnvDataDir  = "BINWATCH_DATA_DIR"
	EnvEnvFile  = "BINWATCH_ENV_FILE"
	EnvInboxDir = "BINWATCH_INBOX_DIR"

	// Oracle environment variable names
	EnvOracleURL         = "BINWATCH_ORACLE_URL"
	EnvOracleAPIKey      = "BINWATCH_ORACLE_API_KEY"
	EnvOpenAIAPIKey      = "OPENAI_API_KEY"
	EnvOracleModel       = "BINWATCH_ORACLE_MODEL"
	EnvOracleTimeout     = "BINWATCH_ORACLE_TIMEOUT_SECONDS"
	EnvOracleRate        = "BINWATCH_ORACLE_RATE_PER_SECOND"
	EnvOracleConcurrency = "BINWATCH_ORACLE_CONCURRENCY"

	// Budget environment variable names
	EnvBudgetCap         = "BINWATCH_BUDGET_USD"
	EnvLegacyBudgetCap   = "MAX_VLM_COST_USD"
	EnvGenerousBudget    = "BINWATCH_GENEROUS_BUDGET_USD"
	EnvStandardMaxDim    = "BINWATCH_STANDARD_TIER_MAX_DIMENSION"
	EnvStandardCost      = "BINWATCH_STANDARD_COST_USD"
	EnvHighCost          = "BINWATCH_HIGH_COST_USD"
	EnvSampleSize        = "BINWATCH_SAMPLE_SIZE"
	EnvEventTypes        = "BINWATCH_EVENT_TYPES"
	EnvGapThreshold      = "BINWATCH_GAP_THRESHOLD_SECONDS"
	EnvClipWindow        = "BINWATCH_CLIP_WINDOW_SECONDS"
	EnvFrameRate         = "BINWATCH_FRAME_SAMPLING_FPS"
	EnvDetectionMinScore = "BINWATCH_DETECTION_CONFIDENCE"

	// Pipeline environment variable names
	EnvPipelinesPython = "BINWATCH_PIPELINES_PYTHON"
	EnvPipelinesModule = "BINWATCH_PIPELINES_MODULE"

	// Kafka sink environment variable names
	EnvKafkaBrokers = "BINWATCH_KAFKA_BROKERS"
	EnvKafkaTopic   = "BINWATCH_KAFKA_TOPIC"

	// Database filename
	DBFilename = "binwatch.db"

	// Oracle defaults
	DefaultOracleURL         = "https://api.openai.com/v1"
	DefaultOracleModel       = "gpt-4o"
	DefaultOracleTimeout     = 60 // seconds
	DefaultOracleRate        = 2.0
	DefaultOracleConcurrency = 1

	// Budget defaults (USD)
	DefaultBudgetCap      = 1.0
	DefaultGenerousBudget = 1.0
	DefaultStandardMaxDim = 1024
	DefaultStandardCost   = 0.01
	DefaultHighCost       = 0.03

	// Segmentation defaults
	DefaultGapThreshold      = 2.0  // seconds
	DefaultClipWindow        = 10.0 // seconds, half before and half after center
	DefaultFrameRate         = 1.0  // frames per second
	DefaultDetectionMinScore = 0.5

	// Pipeline defaults
	DefaultPipelinesModule         = "binwatch_pipelines"
	DefaultPipelinesTimeoutDoctor  = 30  // seconds
	DefaultPipelinesTimeoutDetect  = 900 // 15 minutes
	DefaultPipelinesTimeoutOverflow = 300 // 5 minutes

	DefaultKafkaTopic = "binwatch.verdicts"
)

// DefaultEventTypes are the bin event categories the oracle chooses from.
var DefaultEventTypes = []string{
	"Bin missed / not collected",
	"Contamination detected",
	"Overflowing bin or spillage",
	"Blocked access",
}

// ErrMissingRequired is returned when a required setting has no value.
var ErrMissingRequired = errors.New("missing required configuration")

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	LogFile() string
	DataDir() string
	DBPath() string
	CacheDir() string
	ArtifactsDir() string
	ReportsDir() string
	InboxDir() string

	OracleURL() string
	OracleAPIKey() string
	OracleModel() string
	OracleTimeout() time.Duration
	OracleRatePerSecond() float64
	OracleConcurrency() int

	BudgetCap() float64
	GenerousBudget() float64
	StandardTierMaxDimension() int
	StandardCost() float64
	HighCost() float64
	SampleSize() int
	EventTypes() []string

	GapThreshold() float64
	ClipWindow() float64
	FrameRate() float64
	DetectionMinScore() float64

	PipelinesPython() string
	PipelinesModule() string
	PipelinesTimeoutDoctor() time.Duration
	PipelinesTimeoutDetect() time.Duration
	PipelinesTimeoutOverflow() time.Duration

	KafkaBrokers() []string
	KafkaTopic() string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port     int
	logLevel string
	logFile  string
	dataDir  string
	inboxDir string

	oracleURL         string
	oracleAPIKey      string
	oracleModel       string
	oracleTimeout     int
	oracleRate        float64
	oracleConcurrency int

	budgetCap      float64
	generousBudget float64
	standardMaxDim int
	standardCost   float64
	highCost       float64
	sampleSize     int
	eventTypes     []string

	gapThreshold      float64
	clipWindow        float64
	frameRate         float64
	detectionMinScore float64

	pipelinesPython string
	pipelinesModule string

	kafkaBrokers []string
	kafkaTopic   string
}

// New creates a new EnvConfig with defaults and environment variable overrides.
// If BINWATCH_ENV_FILE (or ./.env) exists it is loaded first; variables that are
// already set in the process environment win.
func New() (*EnvConfig, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &EnvConfig{
		port:              DefaultPort,
		logLevel:          DefaultLogLevel,
		dataDir:           defaultDataDir(),
		oracleURL:         DefaultOracleURL,
		oracleModel:       DefaultOracleModel,
		oracleTimeout:     DefaultOracleTimeout,
		oracleRate:        DefaultOracleRate,
		oracleConcurrency: DefaultOracleConcurrency,
		budgetCap:         DefaultBudgetCap,
		generousBudget:    DefaultGenerousBudget,
		standardMaxDim:    DefaultStandardMaxDim,
		standardCost:      DefaultStandardCost,
		highCost:          DefaultHighCost,
		eventTypes:        append([]string(nil), DefaultEventTypes...),
		gapThreshold:      DefaultGapThreshold,
		clipWindow:        DefaultClipWindow,
		frameRate:         DefaultFrameRate,
		detectionMinScore: DefaultDetectionMinScore,
		kafkaTopic:        DefaultKafkaTopic,
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}
	cfg.logFile = os.Getenv(EnvLogFile)

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}
	cfg.inboxDir = os.Getenv(EnvInboxDir)

	if u := os.Getenv(EnvOracleURL); u != "" {
		cfg.oracleURL = strings.TrimRight(u, "/")
	}
	cfg.oracleAPIKey = os.Getenv(EnvOracleAPIKey)
	if cfg.oracleAPIKey == "" {
		cfg.oracleAPIKey = os.Getenv(EnvOpenAIAPIKey)
	}
	if m := os.Getenv(EnvOracleModel); m != "" {
		cfg.oracleModel = m
	}

	var err error
	if cfg.oracleTimeout, err = intEnv(EnvOracleTimeout, cfg.oracleTimeout, 1); err != nil {
		return nil, err
	}
	if cfg.oracleRate, err = floatEnv(EnvOracleRate, cfg.oracleRate, 0); err != nil {
		return nil, err
	}
	if cfg.oracleConcurrency, err = intEnv(EnvOracleConcurrency, cfg.oracleConcurrency, 1); err != nil {
		return nil, err
	}

	// The legacy variable is honoured first so the dedicated one wins when both are set.
	if cfg.budgetCap, err = floatEnv(EnvLegacyBudgetCap, cfg.budgetCap, 0); err != nil {
		return nil, err
	}
	if cfg.budgetCap, err = floatEnv(EnvBudgetCap, cfg.budgetCap, 0); err != nil {
		return nil, err
	}
	if cfg.generousBudget, err = floatEnv(EnvGenerousBudget, cfg.generousBudget, 0); err != nil {
		return nil, err
	}
	if cfg.standardMaxDim, err = intEnv(EnvStandardMaxDim, cfg.standardMaxDim, 1); err != nil {
		return nil, err
	}
	if cfg.standardCost, err = floatEnv(EnvStandardCost, cfg.standardCost, 0); err != nil {
		return nil, err
	}
	if cfg.highCost, err = floatEnv(EnvHighCost, cfg.highCost, 0); err != nil {
		return nil, err
	}
	if cfg.sampleSize, err = intEnv(EnvSampleSize, cfg.sampleSize, 0); err != nil {
		return nil, err
	}
	if et := os.Getenv(EnvEventTypes); et != "" {
		cfg.eventTypes = splitList(et)
	}

	if cfg.gapThreshold, err = floatEnv(EnvGapThreshold, cfg.gapThreshold, 0); err != nil {
		return nil, err
	}
	if cfg.clipWindow, err = floatEnv(EnvClipWindow, cfg.clipWindow, 0); err != nil {
		return nil, err
	}
	if cfg.frameRate, err = floatEnv(EnvFrameRate, cfg.frameRate, 0); err != nil {
		return nil, err
	}
	if cfg.detectionMinScore, err = floatEnv(EnvDetectionMinScore, cfg.detectionMinScore, 0); err != nil {
		return nil, err
	}

	cfg.pipelinesPython = os.Getenv(EnvPipelinesPython)
	if pm := os.Getenv(EnvPipelinesModule); pm != "" {
		cfg.pipelinesModule = pm
	}

	if kb := os.Getenv(EnvKafkaBrokers); kb != "" {
		cfg.kafkaBrokers = splitList(kb)
	}
	if kt := os.Getenv(EnvKafkaTopic); kt != "" {
		cfg.kafkaTopic = kt
	}

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// LogFile returns the optional rotating log file path
func (c *EnvConfig) LogFile() string {
	return c.logFile
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// CacheDir returns the frame and clip cache directory path
func (c *EnvConfig) CacheDir() string {
	return filepath.Join(c.dataDir, "cache")
}

// ArtifactsDir returns the base directory for pipeline subprocess outputs
func (c *EnvConfig) ArtifactsDir() string {
	return filepath.Join(c.dataDir, "artifacts")
}

// ReportsDir returns the directory reports are written to
func (c *EnvConfig) ReportsDir() string {
	return filepath.Join(c.dataDir, "reports")
}

// InboxDir returns the directory watched for new videos; empty disables watching
func (c *EnvConfig) InboxDir() string {
	return c.inboxDir
}

func (c *EnvConfig) OracleURL() string {
	return c.oracleURL
}

func (c *EnvConfig) OracleAPIKey() string {
	return c.oracleAPIKey
}

func (c *EnvConfig) OracleModel() string {
	return c.oracleModel
}

func (c *EnvConfig) OracleTimeout() time.Duration {
	return time.Duration(c.oracleTimeout) * time.Second
}

func (c *EnvConfig) OracleRatePerSecond() float64 {
	return c.oracleRate
}

func (c *EnvConfig) OracleConcurrency() int {
	return c.oracleConcurrency
}

// BudgetCap returns the per-run spend ceiling in USD
func (c *EnvConfig) BudgetCap() float64 {
	return c.budgetCap
}

// GenerousBudget returns the cap at or above which more frames per event are analyzed
func (c *EnvConfig) GenerousBudget() float64 {
	return c.generousBudget
}

func (c *EnvConfig) StandardTierMaxDimension() int {
	return c.standardMaxDim
}

func (c *EnvConfig) StandardCost() float64 {
	return c.standardCost
}

func (c *EnvConfig) HighCost() float64 {
	return c.highCost
}

// SampleSize returns the event sample size; zero means analyze every event
func (c *EnvConfig) SampleSize() int {
	return c.sampleSize
}

func (c *EnvConfig) EventTypes() []string {
	return append([]string(nil), c.eventTypes...)
}

func (c *EnvConfig) GapThreshold() float64 {
	return c.gapThreshold
}

func (c *EnvConfig) ClipWindow() float64 {
	return c.clipWindow
}

func (c *EnvConfig) FrameRate() float64 {
	return c.frameRate
}

func (c *EnvConfig) DetectionMinScore() float64 {
	return c.detectionMinScore
}

func (c *EnvConfig) PipelinesPython() string {
	return c.pipelinesPython
}

func (c *EnvConfig) PipelinesModule() string {
	if c.pipelinesModule != "" {
		return c.pipelinesModule
	}
	return DefaultPipelinesModule
}

func (c *EnvConfig) PipelinesTimeoutDoctor() time.Duration {
	return time.Duration(DefaultPipelinesTimeoutDoctor) * time.Second
}

func (c *EnvConfig) PipelinesTimeoutDetect() time.Duration {
	return time.Duration(DefaultPipelinesTimeoutDetect) * time.Second
}

func (c *EnvConfig) PipelinesTimeoutOverflow() time.Duration {
	return time.Duration(DefaultPipelinesTimeoutOverflow) * time.Second
}

// KafkaBrokers returns the broker list for the verdict sink; empty disables it
func (c *EnvConfig) KafkaBrokers() []string {
	return append([]string(nil), c.kafkaBrokers...)
}

func (c *EnvConfig) KafkaTopic() string {
	return c.kafkaTopic
}

// RequireOracle checks the settings needed before any paid classification call.
func RequireOracle(c Config) error {
	if c.OracleAPIKey() == "" {
		return fmt.Errorf("%w: %s (or %s)", ErrMissingRequired, EnvOracleAPIKey, EnvOpenAIAPIKey)
	}
	if c.OracleURL() == "" {
		return fmt.Errorf("%w: %s", ErrMissingRequired, EnvOracleURL)
	}
	return nil
}

func loadEnvFile() error {
	path := os.Getenv(EnvEnvFile)
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func intEnv(name string, def, min int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v < min {
		return 0, fmt.Errorf("invalid %s: must be >= %d", name, min)
	}
	return v, nil
}

func floatEnv(name string, def, min float64) (float64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v < min {
		return 0, fmt.Errorf("invalid %s: must be >= %g", name, min)
	}
	return v, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
