package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	BackendNone  = "none"
	BackendFS    = "fs"
	BackendMinio = "minio"
)

type Config struct {
	Subscription    string
	ResultTopic     string
	EventTopic      string
	GoogleProjectID string
	CredentialsFile string
	MetricsPort     int
	LogLevel        string
	TraceOutput     string

	// ResourcesFile is an afs URL with the resource definitions.
	ResourcesFile string
	StateBackend  string
	StateURL      string

	MinioEndpoint  string
	MinioBucket    string
	MinioPrefix    string
	MinioAccessKey string
	MinioSecretKey string
	MinioSecure    bool

	Admins []string
}

func Load() *Config {
	cfg := &Config{
		Subscription:    strings.TrimSpace(getEnv("LOCKABLE_COMMAND_SUBSCRIPTION", os.Getenv("LOCKABLE_PUBSUB_SUBSCRIPTION"))),
		ResultTopic:     strings.TrimSpace(getEnv("LOCKABLE_RESULT_TOPIC", os.Getenv("LOCKABLE_PUBSUB_TOPIC"))),
		EventTopic:      strings.TrimSpace(getEnv("LOCKABLE_EVENT_TOPIC", "")),
		MetricsPort:     getEnvInt("LOCKABLE_METRICS_PORT", 8080),
		LogLevel:        strings.TrimSpace(getEnv("LOCKABLE_LOG_LEVEL", "info")),
		TraceOutput:     strings.TrimSpace(getEnv("LOCKABLE_TRACE_OUTPUT", "")),
		CredentialsFile: strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("LOCKABLE_GSA_CREDENTIALS"))),

		ResourcesFile: strings.TrimSpace(getEnv("LOCKABLE_RESOURCES_FILE", "")),
		StateURL:      strings.TrimSpace(getEnv("LOCKABLE_STATE_URL", "")),

		MinioEndpoint:  strings.TrimSpace(getEnv("LOCKABLE_MINIO_ENDPOINT", "")),
		MinioBucket:    strings.TrimSpace(getEnv("LOCKABLE_MINIO_BUCKET", "")),
		MinioPrefix:    strings.TrimSpace(getEnv("LOCKABLE_MINIO_PREFIX", "")),
		MinioAccessKey: strings.TrimSpace(getEnv("LOCKABLE_MINIO_ACCESS_KEY", "")),
		MinioSecretKey: strings.TrimSpace(getEnv("LOCKABLE_MINIO_SECRET_KEY", "")),
		MinioSecure:    getEnvBool("LOCKABLE_MINIO_SECURE", true),

		Admins: splitList(os.Getenv("LOCKABLE_ADMINS")),
	}

	defBackend := BackendNone
	if cfg.StateURL != "" {
		defBackend = BackendFS
	}
	cfg.StateBackend = strings.ToLower(strings.TrimSpace(getEnv("LOCKABLE_STATE_BACKEND", defBackend)))

	cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("LOCKABLE_PUBSUB_PROJECT_ID", "")))
	if cfg.GoogleProjectID == "" {
		log.Warn().Msg("Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or LOCKABLE_PUBSUB_PROJECT_ID")
	}
	if cfg.Subscription == "" {
		log.Warn().Msg("Pub/Sub subscription not set; set LOCKABLE_COMMAND_SUBSCRIPTION or LOCKABLE_PUBSUB_SUBSCRIPTION")
	}
	if cfg.ResultTopic == "" {
		log.Warn().Msg("Pub/Sub topic not set; set LOCKABLE_RESULT_TOPIC or LOCKABLE_PUBSUB_TOPIC")
	}
	if cfg.StateBackend == BackendNone {
		log.Warn().Msg("state backend is none; lock state will not survive a restart")
	}
	return cfg
}

// Validate checks the storage settings, which have no usable defaults.
func (c *Config) Validate() error {
	switch c.StateBackend {
	case BackendNone:
	case BackendFS:
		if c.StateURL == "" {
			return fmt.Errorf("state backend %q requires LOCKABLE_STATE_URL", c.StateBackend)
		}
	case BackendMinio:
		if c.MinioEndpoint == "" || c.MinioBucket == "" {
			return fmt.Errorf("state backend %q requires LOCKABLE_MINIO_ENDPOINT and LOCKABLE_MINIO_BUCKET", c.StateBackend)
		}
	default:
		return fmt.Errorf("unknown state backend %q (want %s, %s or %s)", c.StateBackend, BackendFS, BackendMinio, BackendNone)
	}
	if c.ResourcesFile == "" && c.StateBackend == BackendNone {
		return fmt.Errorf("no resources: set LOCKABLE_RESOURCES_FILE or a state backend")
	}
	return nil
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.MetricsPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"projectID":           c.GoogleProjectID,
		"commandSubscription": c.Subscription,
		"resultTopic":         c.ResultTopic,
		"eventTopic":          c.EventTopic,
		"metricsPort":         c.MetricsPort,
		"logLevel":            c.LogLevel,
		"traceOutput":         c.TraceOutput,
		"credentialsProvided": c.CredentialsFile != "",
		"resourcesFile":       c.ResourcesFile,
		"stateBackend":        c.StateBackend,
		"stateURL":            c.StateURL,
		"minioEndpoint":       c.MinioEndpoint,
		"minioBucket":         c.MinioBucket,
		"minioKeysProvided":   c.MinioAccessKey != "" && c.MinioSecretKey != "",
		"admins":              len(c.Admins),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid int in environment; using default")
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid bool in environment; using default")
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// splitList splits a comma separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func projectIDFromCredentials(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(b, &x); err != nil {
		// Not a service account key; callers fall through to other sources.
		return "", nil
	}
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	// 1) Prefer GOOGLE_APPLICATION_CREDENTIALS if set
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		log.Info().Str("credsFile", p).Msg("GOOGLE_APPLICATION_CREDENTIALS is set; extracting project_id from credentials file")
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("project_id not found in credentials file or unreadable")
	}

	// 2) Explicit override
	if explicit := strings.TrimSpace(explicit); explicit != "" {
		log.Info().Str("projectID", explicit).Msg("using LOCKABLE_PUBSUB_PROJECT_ID for Google project")
		return explicit
	}

	// 3) Deployment override
	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		log.Info().Str("projectID", v).Msg("using GOOGLE_PROJECT_ID from environment")
		return v
	}

	// 4) Common Google envs
	if v := firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT")); strings.TrimSpace(v) != "" {
		v = strings.TrimSpace(v)
		log.Info().Str("projectID", v).Msg("using Google project from common environment variables")
		return v
	}

	// 5) Fallback to provided credentials file path (LOCKABLE_GSA_CREDENTIALS)
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("using project_id from provided credentials file")
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
