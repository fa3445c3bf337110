package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the config file used when no --config flag is given.
var ConfigPath = "config.yaml"

// MinioConfig configures the object-storage image store.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// SMTPConfig configures the welcome mailer. An empty host disables it.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                       string      `yaml:"port"`
	LogLevel                   string      `yaml:"logLevel"`
	DatabaseURL                string      `yaml:"databaseURL"`
	RedisAddr                  string      `yaml:"redisAddr"`
	RedisPassword              string      `yaml:"redisPassword"`
	SessionTTL                 string      `yaml:"sessionTTL"`
	RememberTTL                string      `yaml:"rememberTTL"`
	RememberSecret             string      `yaml:"rememberSecret"`
	CookieSecure               bool        `yaml:"cookieSecure"`
	CORSAllowedOrigins         []string    `yaml:"corsAllowedOrigins"`
	TrustedProxyCIDRs          []string    `yaml:"trustedProxyCidrs"`
	LoginRateLimitPerMinute    int         `yaml:"loginRateLimitPerMinute"`
	RegisterRateLimitPerMinute int         `yaml:"registerRateLimitPerMinute"`
	MaxUploadBytes             int64       `yaml:"maxUploadBytes"`
	UploadDir                  string      `yaml:"uploadDir"`
	UploadTTL                  string      `yaml:"uploadTTL"`
	ReapInterval               string      `yaml:"reapInterval"`
	ImageStore                 string      `yaml:"imageStore"`
	PublicBaseURL              string      `yaml:"publicBaseURL"`
	Minio                      MinioConfig `yaml:"minio"`
	ImagePassthrough           bool        `yaml:"imagePassthrough"`
	AIEndpoint                 string      `yaml:"aiEndpoint"`
	AIAPIKey                   string      `yaml:"aiAPIKey"`
	AITimeoutSeconds           int         `yaml:"aiTimeoutSeconds"`
	CaptionProvider            string      `yaml:"captionProvider"`
	HFToken                    string      `yaml:"hfToken"`
	HFBaseURL                  string      `yaml:"hfBaseURL"`
	HFCaptionModel             string      `yaml:"hfCaptionModel"`
	HFClipModel                string      `yaml:"hfClipModel"`
	GeminiAPIKey               string      `yaml:"geminiAPIKey"`
	GeminiModel                string      `yaml:"geminiModel"`
	OllamaBaseURL              string      `yaml:"ollamaBaseURL"`
	OllamaModel                string      `yaml:"ollamaModel"`
	OpenAIBaseURL              string      `yaml:"openaiBaseURL"`
	OpenAIAPIKey               string      `yaml:"openaiAPIKey"`
	OpenAIModel                string      `yaml:"openaiModel"`
	OCREnabled                 bool        `yaml:"ocrEnabled"`
	OCRSpaceKey                string      `yaml:"ocrSpaceKey"`
	OCRSpaceURL                string      `yaml:"ocrSpaceURL"`
	SMTP                       SMTPConfig  `yaml:"smtp"`
	MailFrom                   string      `yaml:"mailFrom"`
	MailFromName               string      `yaml:"mailFromName"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Override with environment variables
func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("WAREHOUSE_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("WAREHOUSE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("WAREHOUSE_SESSION_TTL"); v != "" {
		cfg.SessionTTL = v
	}
	if v := os.Getenv("WAREHOUSE_REMEMBER_TTL"); v != "" {
		cfg.RememberTTL = v
	}
	if v := os.Getenv("WAREHOUSE_REMEMBER_SECRET"); v != "" {
		cfg.RememberSecret = v
	}
	if v := os.Getenv("WAREHOUSE_COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CookieSecure = b
		}
	}
	if v := os.Getenv("WAREHOUSE_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	}
	if v := os.Getenv("WAREHOUSE_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitList(v)
	}
	if v := os.Getenv("WAREHOUSE_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("WAREHOUSE_REGISTER_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RegisterRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("WAREHOUSE_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("WAREHOUSE_UPLOAD_DIR"); v != "" {
		cfg.UploadDir = v
	}
	if v := os.Getenv("WAREHOUSE_UPLOAD_TTL"); v != "" {
		cfg.UploadTTL = v
	}
	if v := os.Getenv("WAREHOUSE_REAP_INTERVAL"); v != "" {
		cfg.ReapInterval = v
	}
	if v := os.Getenv("WAREHOUSE_IMAGE_STORE"); v != "" {
		cfg.ImageStore = v
	}
	if v := os.Getenv("WAREHOUSE_PUBLIC_BASE_URL"); v != "" {
		cfg.PublicBaseURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Minio.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Minio.SecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.Minio.Bucket = v
	}
	if v := os.Getenv("AI_ENDPOINT"); v != "" {
		cfg.AIEndpoint = v
	}
	if v := os.Getenv("AI_API_KEY"); v != "" {
		cfg.AIAPIKey = v
	}
	if v := os.Getenv("AI_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AITimeoutSeconds = n
		}
	}
	if v := os.Getenv("WAREHOUSE_CAPTION_PROVIDER"); v != "" {
		cfg.CaptionProvider = v
	}
	if v := os.Getenv("HF_TOKEN"); v != "" {
		cfg.HFToken = v
	}
	if v := os.Getenv("HF_CAPTION_MODEL"); v != "" {
		cfg.HFCaptionModel = v
	}
	if v := os.Getenv("HF_CLIP_MODEL"); v != "" {
		cfg.HFClipModel = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.OllamaBaseURL = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		cfg.OllamaModel = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.OpenAIModel = v
	}
	if v := os.Getenv("OCRSPACE_KEY"); v != "" {
		cfg.OCRSpaceKey = v
		cfg.OCREnabled = true
	}
	if v := os.Getenv("MAIL_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("MAIL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = n
		}
	}
	if v := os.Getenv("MAIL_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("MAIL_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("MAIL_FROM_ADDRESS"); v != "" {
		cfg.MailFrom = v
	}
	if v := os.Getenv("MAIL_FROM_NAME"); v != "" {
		cfg.MailFromName = v
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.ImageStore == "" {
		cfg.ImageStore = "local"
	}
	if cfg.AITimeoutSeconds == 0 {
		cfg.AITimeoutSeconds = 12
	}
	if cfg.CaptionProvider == "" {
		cfg.CaptionProvider = "huggingface"
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 25 << 20
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for sessions and rate limiting")
	}
	if len(cfg.RememberSecret) < 32 {
		return errors.New("config: rememberSecret must be at least 32 characters (set WAREHOUSE_REMEMBER_SECRET)")
	}
	if cfg.LoginRateLimitPerMinute < 0 || cfg.RegisterRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	if cfg.AITimeoutSeconds < 0 {
		return errors.New("config: aiTimeoutSeconds must be >= 0")
	}
	switch cfg.ImageStore {
	case "local":
	case "minio":
		if cfg.Minio.Endpoint == "" || cfg.Minio.Bucket == "" {
			return errors.New("config: minio.endpoint and minio.bucket are required when imageStore is minio")
		}
	default:
		return fmt.Errorf("config: imageStore must be local or minio, got %q", cfg.ImageStore)
	}
	switch cfg.CaptionProvider {
	case "huggingface", "ollama", "none":
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return errors.New("config: geminiAPIKey is required when captionProvider is gemini")
		}
	case "openai":
		if cfg.OpenAIBaseURL == "" || cfg.OpenAIModel == "" {
			return errors.New("config: openaiBaseURL and openaiModel are required when captionProvider is openai")
		}
	default:
		return fmt.Errorf("config: captionProvider must be one of huggingface, gemini, ollama, openai, none; got %q", cfg.CaptionProvider)
	}
	if cfg.OCREnabled && strings.TrimSpace(cfg.OCRSpaceKey) == "" {
		return errors.New("config: ocrSpaceKey is required when ocrEnabled is true")
	}
	for _, d := range []struct{ name, value string }{
		{"sessionTTL", cfg.SessionTTL},
		{"rememberTTL", cfg.RememberTTL},
		{"uploadTTL", cfg.UploadTTL},
		{"reapInterval", cfg.ReapInterval},
	} {
		if _, err := parseDuration(d.name, d.value); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// ParseSessionTTL parses optional session TTL duration string.
func ParseSessionTTL(ttlStr string) (time.Duration, error) {
	return parseDuration("sessionTTL", ttlStr)
}

// ParseRememberTTL parses optional remember-me TTL duration string.
func ParseRememberTTL(ttlStr string) (time.Duration, error) {
	return parseDuration("rememberTTL", ttlStr)
}

// ParseUploadTTL parses the staging TTL; 24h when unset.
func ParseUploadTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 24 * time.Hour, nil
	}
	return parseDuration("uploadTTL", ttlStr)
}

// ParseReapInterval parses the reaper tick; 1h when unset.
func ParseReapInterval(s string) (time.Duration, error) {
	if s == "" {
		return time.Hour, nil
	}
	return parseDuration("reapInterval", s)
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must be positive", name)
	}
	return dur, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
