package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Dev struct {
		Mode bool `yaml:"mode"`
	} `yaml:"dev"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Email struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		TLS              bool          `yaml:"tls"`
		Username         string        `yaml:"username"`
		Password         string        `yaml:"password"`
		Folder           string        `yaml:"folder"`
		PollIntervalSecs int           `yaml:"poll_interval_seconds"`
		LockTTL          time.Duration `yaml:"lock_ttl"`
	} `yaml:"email"`
	SMTP struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		From        string `yaml:"from"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"smtp"`
	BlobStore struct {
		Dir string `yaml:"dir"`
	} `yaml:"blob_store"`
	Automation struct {
		CascadeMaxDepth     int `yaml:"cascade_max_depth"`
		ConditionTimeoutSec int `yaml:"condition_timeout_secs"`
		ActionTimeoutSec    int `yaml:"action_timeout_secs"`
	} `yaml:"automation"`
	SLA struct {
		BusinessHoursEnabled bool          `yaml:"business_hours_enabled"`
		SweepInterval        time.Duration `yaml:"sweep_interval"`
	} `yaml:"sla"`
	Availability struct {
		IdleOnline    time.Duration `yaml:"idle_online"`
		MaxIdle       time.Duration `yaml:"max_idle"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"availability"`
	RateLimit struct {
		PasswordResetPerWindow int           `yaml:"password_reset_rate_limit"`
		Window                 time.Duration `yaml:"window"`
	} `yaml:"rate_limit"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Auth struct {
		Secret string `yaml:"secret"`
	} `yaml:"auth"`
	ContentPolicy struct {
		Path string `yaml:"path"`
	} `yaml:"content_policy"`
}

func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8088"
	cfg.Dev.Mode = true
	cfg.Email.Folder = "INBOX"
	cfg.Email.PollIntervalSecs = 30
	cfg.Email.LockTTL = 60 * time.Second
	cfg.SMTP.Host = "localhost"
	cfg.SMTP.Port = 2525
	cfg.SMTP.From = "support@local.oxidesk"
	cfg.SMTP.DisplayName = "Support"
	cfg.BlobStore.Dir = "./data/attachments"
	cfg.Automation.CascadeMaxDepth = 3
	cfg.Automation.ConditionTimeoutSec = 5
	cfg.Automation.ActionTimeoutSec = 10
	cfg.SLA.SweepInterval = time.Minute
	cfg.Availability.IdleOnline = 15 * time.Minute
	cfg.Availability.MaxIdle = 30 * time.Minute
	cfg.Availability.SweepInterval = time.Minute
	cfg.RateLimit.PasswordResetPerWindow = 5
	cfg.RateLimit.Window = 15 * time.Minute
	cfg.Log.Level = "info"
	return cfg
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)

	if cfg.Database.DSN == "" {
		return cfg, errors.New("missing database.dsn (or OXIDESK_DB_DSN)")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OXIDESK_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("OXIDESK_DEV_MODE"); v != "" {
		cfg.Dev.Mode = parseBool(v, cfg.Dev.Mode)
	}
	if v := os.Getenv("OXIDESK_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("OXIDESK_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("OXIDESK_EMAIL_HOST"); v != "" {
		cfg.Email.Host = v
	}
	if v := os.Getenv("OXIDESK_EMAIL_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Email.Port = p
		}
	}
	if v := os.Getenv("OXIDESK_EMAIL_TLS"); v != "" {
		cfg.Email.TLS = parseBool(v, cfg.Email.TLS)
	}
	if v := os.Getenv("OXIDESK_EMAIL_USERNAME"); v != "" {
		cfg.Email.Username = v
	}
	if v := os.Getenv("OXIDESK_EMAIL_PASSWORD"); v != "" {
		cfg.Email.Password = v
	}
	if v := os.Getenv("OXIDESK_EMAIL_FOLDER"); v != "" {
		cfg.Email.Folder = v
	}
	if v := os.Getenv("OXIDESK_EMAIL_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Email.PollIntervalSecs = n
		}
	}
	if v := os.Getenv("OXIDESK_SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("OXIDESK_SMTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = p
		}
	}
	if v := os.Getenv("OXIDESK_SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("OXIDESK_SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("OXIDESK_SMTP_FROM"); v != "" {
		cfg.SMTP.From = v
	}
	if v := os.Getenv("OXIDESK_BLOB_DIR"); v != "" {
		cfg.BlobStore.Dir = v
	}
	if v := os.Getenv("OXIDESK_AUTOMATION_CASCADE_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Automation.CascadeMaxDepth = n
		}
	}
	if v := os.Getenv("OXIDESK_RATE_LIMIT_PASSWORD_RESET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.PasswordResetPerWindow = n
		}
	}
	if v := os.Getenv("OXIDESK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OXIDESK_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("OXIDESK_CONTENT_POLICY_PATH"); v != "" {
		cfg.ContentPolicy.Path = v
	}
}

func parseBool(input string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitCSV(input string) []string {
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		val := strings.TrimSpace(part)
		if val == "" {
			continue
		}
		out = append(out, val)
	}
	return out
}
