package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the relaize server and worker.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Storage     StorageConfig
	Worker      WorkerConfig
	SuperRes    SuperResConfig
	Inference   InferenceConfig
	FaceRestore FaceRestoreConfig
	Catalog     CatalogConfig
	Auth        AuthConfig
	Preview     PreviewConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
}

// DatabaseConfig configures the optional relational mirror of task records.
// An empty Driver keeps tasks in Redis only.
type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	Root         string
	UploadDir    string
	ProcessedDir string
}

type WorkerConfig struct {
	PopTimeout    time.Duration
	ErrorBackoff  time.Duration
	SkipCancelled bool
}

const (
	OOMPolicyStrict      = "strict"
	OOMPolicyCPUFallback = "cpu-fallback"
)

type SuperResConfig struct {
	Enabled         bool
	ModelName       string
	Device          string
	TargetScale     float64
	UseTile         bool
	TileSize        int
	OOMPolicy       string
	EngineCacheSize int
	AllowedModels   []string
	FallbackModel   string
}

const (
	InferenceProviderBridge    = "bridge"
	InferenceProviderReference = "reference"
)

// InferenceConfig selects the backend that runs model weights.
type InferenceConfig struct {
	Provider     string
	Command      string
	Args         []string
	WeightsDir   string
	Accelerators []string
	StartTimeout time.Duration
}

type FaceRestoreConfig struct {
	Enabled    bool
	Provider   string
	Device     string
	ModelPath  string
	WeightsDir string
	Fidelity   float64
}

type CatalogConfig struct {
	File string
}

// AuthConfig holds bcrypt hashes of accepted API keys. Empty disables auth.
type AuthConfig struct {
	APIKeyHashes []string
}

type PreviewConfig struct {
	ErrorLog string
}

var validDrivers = map[string]bool{
	"":         true,
	"postgres": true,
	"sqlite":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	root := envString("STORAGE_ROOT", "storage")
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("RELAIZE_PORT", 8080),
			Env:                envString("RELAIZE_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(os.Getenv("DATABASE_DRIVER")),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			Root:         root,
			UploadDir:    envString("UPLOAD_DIR", filepath.Join(root, "uploads")),
			ProcessedDir: envString("PROCESSED_DIR", filepath.Join(root, "processed")),
		},
		Worker: WorkerConfig{
			PopTimeout:    envDurationSecs("WORKER_POP_TIMEOUT_SECS", 5*time.Second),
			ErrorBackoff:  envDuration("WORKER_ERROR_BACKOFF", time.Second),
			SkipCancelled: envBool("WORKER_SKIP_CANCELLED", true),
		},
		SuperRes: SuperResConfig{
			Enabled:         envBool("SUPERRES_ENABLED", true),
			ModelName:       envString("SUPERRES_MODEL_NAME", "RealESRGAN_RealESRGAN_x4plus_4x"),
			Device:          envString("SUPERRES_DEVICE", "cuda"),
			TargetScale:     envFloat("SUPERRES_TARGET_SCALE", 2.0),
			UseTile:         envBool("SUPERRES_USE_TILE", true),
			TileSize:        envInt("SUPERRES_TILE_SIZE", 512),
			OOMPolicy:       envString("SUPERRES_OOM_POLICY", OOMPolicyStrict),
			EngineCacheSize: envInt("SUPERRES_ENGINE_CACHE_SIZE", 4),
			AllowedModels:   envList("SUPERRES_ALLOWED_MODELS"),
			FallbackModel:   envString("SUPERRES_FALLBACK_MODEL", "RealESRGAN_RealESRGAN_x4plus_4x"),
		},
		Inference: InferenceConfig{
			Provider:     envString("INFERENCE_PROVIDER", InferenceProviderReference),
			Command:      os.Getenv("INFERENCE_COMMAND"),
			Args:         strings.Fields(os.Getenv("INFERENCE_ARGS")),
			WeightsDir:   envString("INFERENCE_WEIGHTS_DIR", filepath.Join(root, "models")),
			Accelerators: envList("INFERENCE_ACCELERATORS"),
			StartTimeout: envDurationSecs("INFERENCE_START_TIMEOUT_SECS", 120*time.Second),
		},
		FaceRestore: FaceRestoreConfig{
			Enabled:    envBool("FACE_RESTORE_ENABLED", false),
			Provider:   envString("FACE_RESTORE_PROVIDER", "gfpgan"),
			Device:     envString("FACE_RESTORE_DEVICE", "auto"),
			ModelPath:  os.Getenv("FACE_RESTORE_MODEL_PATH"),
			WeightsDir: envString("FACE_RESTORE_WEIGHTS_DIR", filepath.Join("gfpgan", "weights")),
			Fidelity:   envFloat("FACE_RESTORE_FIDELITY", 0.5),
		},
		Catalog: CatalogConfig{
			File: os.Getenv("CATALOG_FILE"),
		},
		Auth: AuthConfig{
			APIKeyHashes: envList("API_KEY_HASHES"),
		},
		Preview: PreviewConfig{
			ErrorLog: envString("PREVIEW_ERROR_LOG", "preview-errors.log"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("DATABASE_DRIVER must be one of postgres, sqlite or empty; got %q", c.Database.Driver)
	}
	if c.Database.Driver != "" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER is %s", c.Database.Driver)
	}

	if c.SuperRes.OOMPolicy != OOMPolicyStrict && c.SuperRes.OOMPolicy != OOMPolicyCPUFallback {
		return fmt.Errorf("SUPERRES_OOM_POLICY must be strict or cpu-fallback; got %q", c.SuperRes.OOMPolicy)
	}
	if !(c.SuperRes.TargetScale > 0) || math.IsInf(c.SuperRes.TargetScale, 1) {
		return fmt.Errorf("SUPERRES_TARGET_SCALE must be positive; got %v", c.SuperRes.TargetScale)
	}
	if c.SuperRes.TileSize <= 0 {
		return fmt.Errorf("SUPERRES_TILE_SIZE must be positive; got %d", c.SuperRes.TileSize)
	}
	if c.SuperRes.EngineCacheSize <= 0 {
		return fmt.Errorf("SUPERRES_ENGINE_CACHE_SIZE must be positive; got %d", c.SuperRes.EngineCacheSize)
	}

	switch c.Inference.Provider {
	case InferenceProviderReference:
	case InferenceProviderBridge:
		if c.Inference.Command == "" {
			return fmt.Errorf("INFERENCE_COMMAND is required when INFERENCE_PROVIDER is bridge")
		}
	default:
		return fmt.Errorf("INFERENCE_PROVIDER must be one of bridge, reference; got %q", c.Inference.Provider)
	}

	if c.FaceRestore.Provider != "gfpgan" && c.FaceRestore.Provider != "codeformer" {
		return fmt.Errorf("FACE_RESTORE_PROVIDER must be gfpgan or codeformer; got %q", c.FaceRestore.Provider)
	}
	if c.FaceRestore.Fidelity < 0 || c.FaceRestore.Fidelity > 1 {
		return fmt.Errorf("FACE_RESTORE_FIDELITY must be between 0 and 1; got %v", c.FaceRestore.Fidelity)
	}

	if c.Worker.PopTimeout <= 0 {
		return fmt.Errorf("WORKER_POP_TIMEOUT_SECS must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// envList splits a comma separated variable, dropping blanks.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
