// Package config resolves sessiontapd's settings from an optional YAML
// file layered under environment variables, which remain authoritative.
//
// Grounded on the teacher's Manager.Load (user-then-project file merge,
// later layer wins — here YAML-then-env, env wins) and wing.go's
// tolerant-missing-file load with gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sessiontap/sessiontap/internal/authsvc"
	"github.com/sessiontap/sessiontap/internal/broker"
)

// Config holds every setting sessiontapd needs to start.
type Config struct {
	RootDir       string
	HTTPPort      int
	EnrollmentTTL time.Duration
	CredentialTTL time.Duration
	PingInterval  time.Duration
	UsePolling    bool
	PublicBaseURL string
	ReplayBuffer  int
	JWTKeyPath    string // env-only: key material never round-trips through a config file
	ConfigPath    string
}

// fileShape mirrors Config's YAML-visible fields; durations are strings
// since time.Duration doesn't round-trip through YAML cleanly.
type fileShape struct {
	RootDir       string `yaml:"root_dir"`
	HTTPPort      int    `yaml:"http_port"`
	EnrollmentTTL string `yaml:"enrollment_ttl"`
	CredentialTTL string `yaml:"credential_ttl"`
	PingInterval  string `yaml:"ping_interval"`
	UsePolling    bool   `yaml:"use_polling"`
	PublicBaseURL string `yaml:"public_base_url"`
	ReplayBuffer  int    `yaml:"replay_buffer"`
}

// Default returns the built-in defaults, used when neither a config file
// nor the corresponding env var is present.
func Default() Config {
	return Config{
		RootDir:       defaultRootDir(),
		HTTPPort:      8787,
		EnrollmentTTL: authsvc.DefaultEnrollmentTTL,
		CredentialTTL: authsvc.DefaultCredentialTTL,
		PingInterval:  30 * time.Second,
		UsePolling:    false,
		PublicBaseURL: "http://localhost:8787",
		ReplayBuffer:  broker.DefaultHistoryCap,
	}
}

// Load resolves Config from (in ascending priority) built-in defaults, an
// optional YAML file, and environment variables. The YAML file path is
// SESSIONTAP_CONFIG if set, else ~/.sessiontap/config.yaml; a missing file
// at either location is not an error — every setting still has a default
// or may be supplied purely via env vars, per spec.md §6.
func Load() (Config, error) {
	cfg := Default()

	path, err := configPath()
	if err != nil {
		return Config{}, err
	}
	cfg.ConfigPath = path

	fs, ok, err := loadFile(path)
	if err != nil {
		return Config{}, err
	}
	if ok {
		applyFile(&cfg, fs)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// defaultRootDir is where Claude Code (and compatible agents) write
// session logs: ~/.claude/projects. Falls back to "." only if the home
// directory can't be resolved, since RootDir always needs some value.
func defaultRootDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".claude", "projects")
}

func configPath() (string, error) {
	if p := os.Getenv("SESSIONTAP_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sessiontap", "config.yaml"), nil
}

func loadFile(path string) (fileShape, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileShape{}, false, nil
		}
		return fileShape{}, false, err
	}
	var fs fileShape
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return fileShape{}, false, fmt.Errorf("parse %s: %w", path, err)
	}
	return fs, true, nil
}

func applyFile(cfg *Config, fs fileShape) {
	if fs.RootDir != "" {
		cfg.RootDir = fs.RootDir
	}
	if fs.HTTPPort != 0 {
		cfg.HTTPPort = fs.HTTPPort
	}
	if d, err := time.ParseDuration(fs.EnrollmentTTL); err == nil {
		cfg.EnrollmentTTL = d
	}
	if d, err := time.ParseDuration(fs.CredentialTTL); err == nil {
		cfg.CredentialTTL = d
	}
	if d, err := time.ParseDuration(fs.PingInterval); err == nil {
		cfg.PingInterval = d
	}
	cfg.UsePolling = cfg.UsePolling || fs.UsePolling
	if fs.PublicBaseURL != "" {
		cfg.PublicBaseURL = fs.PublicBaseURL
	}
	if fs.ReplayBuffer != 0 {
		cfg.ReplayBuffer = fs.ReplayBuffer
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("SESSIONTAP_ROOT_DIR"); v != "" {
		cfg.RootDir = v
	}
	if v := os.Getenv("SESSIONTAP_HTTP_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SESSIONTAP_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = p
	}
	if v := os.Getenv("SESSIONTAP_ENROLLMENT_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SESSIONTAP_ENROLLMENT_TTL: %w", err)
		}
		cfg.EnrollmentTTL = d
	}
	if v := os.Getenv("SESSIONTAP_CREDENTIAL_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SESSIONTAP_CREDENTIAL_TTL: %w", err)
		}
		cfg.CredentialTTL = d
	}
	if v := os.Getenv("SESSIONTAP_PING_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SESSIONTAP_PING_INTERVAL: %w", err)
		}
		cfg.PingInterval = d
	}
	if v := os.Getenv("SESSIONTAP_USE_POLLING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SESSIONTAP_USE_POLLING: %w", err)
		}
		cfg.UsePolling = b
	}
	if v := os.Getenv("SESSIONTAP_PUBLIC_BASE_URL"); v != "" {
		cfg.PublicBaseURL = v
	}
	if v := os.Getenv("SESSIONTAP_REPLAY_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SESSIONTAP_REPLAY_BUFFER: %w", err)
		}
		cfg.ReplayBuffer = n
	}
	cfg.JWTKeyPath = os.Getenv("SESSIONTAP_JWT_KEY")
	return nil
}
