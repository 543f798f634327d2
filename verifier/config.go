package verifier

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/ppah/horosafe"
)

// Config holds the verifier configuration.
type Config struct {
	DBPath string `yaml:"db_path"`
	Listen string `yaml:"listen"`

	// SessionTimeout is the idle time after which an active session is
	// terminated. Default: 1h
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// SweepInterval is how often idle sessions are swept. Default: 1m
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// TokenSecret signs report tokens. At least horosafe.MinSecretLen bytes.
	TokenSecret string `yaml:"token_secret"`

	// ReportTokenTTL bounds report token validity. Default: 24h
	ReportTokenTTL time.Duration `yaml:"report_token_ttl"`

	// RPName is the WebAuthn relying party name served to clients.
	// Default: PPAH
	RPName string `yaml:"rp_name"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "ppah_verifier.db"
	}
	if c.Listen == "" {
		c.Listen = ":8000"
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ReportTokenTTL <= 0 {
		c.ReportTokenTTL = 24 * time.Hour
	}
	if c.RPName == "" {
		c.RPName = "PPAH"
	}
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	if err := horosafe.ValidateSecret([]byte(c.TokenSecret)); err != nil {
		return fmt.Errorf("verifier: token_secret: %w", err)
	}
	return nil
}

// LoadConfig reads a YAML config file and applies defaults. The token
// secret can be left out of the file and supplied through PPAH_TOKEN_SECRET.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if s := os.Getenv("PPAH_TOKEN_SECRET"); s != "" {
		cfg.TokenSecret = s
	}
	cfg.defaults()
	return cfg, cfg.Validate()
}
