package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Artifact backends.
const (
	BackendMemory   = "memory"
	BackendDisk     = "disk"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
)

type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	Artifact    ArtifactConfig
	Executor    ExecutorConfig
	Progress    ProgressConfig

	// AllowedOrigins limits CORS; empty echoes any origin.
	AllowedOrigins []string
}

type ArtifactConfig struct {
	Backend   string
	Dir       string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// CacheDisabled skips the LRU layer in front of the backend.
	CacheDisabled bool
}

// CanUseS3 reports whether the bucket settings are complete.
func (a ArtifactConfig) CanUseS3() bool {
	return a.Endpoint != "" && a.AccessKey != "" && a.SecretKey != "" && a.Bucket != ""
}

type ExecutorConfig struct {
	GenAIAPIKey string
	GenAIModel  string
	Timeout     time.Duration
	RPS         float64
	Burst       int
}

type ProgressConfig struct {
	Retention time.Duration
	Heartbeat time.Duration
}

// Load reads .env, flags and the environment. Environment values win over flags.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(flag.CommandLine, os.Args[1:])
}

func load(fs *flag.FlagSet, args []string) (*Config, error) {
	port := fs.String("port", ":8080", "server port")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if envPort := strings.TrimSpace(os.Getenv("PORT")); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			*port = envPort
		} else {
			*port = ":" + envPort
		}
	}

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	cfg := &Config{Port: *port, Env: env, AllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS"))}
	if isLocal(env) {
		base := localConfig()
		cfg.DatabaseURL = base.DatabaseURL
		cfg.Artifact = base.Artifact
	} else {
		cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
		cfg.Artifact = loadArtifactConfig()
	}
	cfg.Artifact.Backend = resolveBackend(cfg.Artifact, cfg.DatabaseURL, env)

	var err error
	if cfg.Executor, err = loadExecutorConfig(); err != nil {
		return nil, err
	}
	if cfg.Progress, err = loadProgressConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadArtifactConfig() ArtifactConfig {
	return ArtifactConfig{
		Dir:           firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_DIR")), "data/artifacts"),
		Endpoint:      strings.TrimSpace(os.Getenv("ARTIFACT_S3_ENDPOINT")),
		Region:        firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_REGION")), "us-east-1"),
		AccessKey:     firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey:     firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:        firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_BUCKET")), "storyforge-artifacts"),
		UseSSL:        parseBool(os.Getenv("ARTIFACT_S3_USE_SSL"), true),
		CacheDisabled: !parseBool(os.Getenv("ARTIFACT_CACHE"), true),
	}
}

// resolveBackend honours ARTIFACT_BACKEND, then picks the most durable
// backend the remaining settings allow.
func resolveBackend(a ArtifactConfig, databaseURL, env string) string {
	switch b := strings.ToLower(strings.TrimSpace(os.Getenv("ARTIFACT_BACKEND"))); b {
	case BackendMemory, BackendDisk, BackendS3, BackendPostgres:
		return b
	}
	switch {
	case a.CanUseS3() && !isLocal(env):
		return BackendS3
	case databaseURL != "" && !isLocal(env):
		return BackendPostgres
	case isLocal(env):
		return BackendDisk
	default:
		return BackendMemory
	}
}

func loadExecutorConfig() (ExecutorConfig, error) {
	timeout, err := parseDuration("EXECUTOR_TIMEOUT", 2*time.Minute)
	if err != nil {
		return ExecutorConfig{}, err
	}
	cfg := ExecutorConfig{
		GenAIAPIKey: firstNonEmpty(strings.TrimSpace(os.Getenv("GEMINI_API_KEY")), strings.TrimSpace(os.Getenv("GOOGLE_API_KEY"))),
		GenAIModel:  firstNonEmpty(strings.TrimSpace(os.Getenv("GENAI_MODEL")), "gemini-2.5-flash"),
		Timeout:     timeout,
		Burst:       1,
	}
	if raw := strings.TrimSpace(os.Getenv("EXECUTOR_RPS")); raw != "" {
		rps, err := strconv.ParseFloat(raw, 64)
		if err != nil || rps < 0 {
			return ExecutorConfig{}, fmt.Errorf("invalid EXECUTOR_RPS %q", raw)
		}
		cfg.RPS = rps
	}
	if raw := strings.TrimSpace(os.Getenv("EXECUTOR_BURST")); raw != "" {
		burst, err := strconv.Atoi(raw)
		if err != nil || burst < 1 {
			return ExecutorConfig{}, fmt.Errorf("invalid EXECUTOR_BURST %q", raw)
		}
		cfg.Burst = burst
	}
	return cfg, nil
}

func loadProgressConfig() (ProgressConfig, error) {
	retention, err := parseDuration("PROGRESS_RETENTION", 30*time.Second)
	if err != nil {
		return ProgressConfig{}, err
	}
	heartbeat, err := parseDuration("PROGRESS_HEARTBEAT", 15*time.Second)
	if err != nil {
		return ProgressConfig{}, err
	}
	return ProgressConfig{Retention: retention, Heartbeat: heartbeat}, nil
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return d, nil
}

func parseBool(raw string, def bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func isLocal(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "local")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
