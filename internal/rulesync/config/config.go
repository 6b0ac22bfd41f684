package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "RULESYNC_"

// AppConfig holds configuration values parsed from environment variables.
// Nested keys use a double underscore, e.g. RULESYNC_SYNC__INTERVAL=30s.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	Log LoggingConfig `koanf:"log"`

	// Location is the IANA zone rule windows are evaluated in, or "Local".
	Location string `koanf:"location" validate:"required,location"`

	Sync    SyncConfig    `koanf:"sync"`
	Rules   RulesConfig   `koanf:"rules"`
	State   StateConfig   `koanf:"state"`
	AdGuard AdGuardConfig `koanf:"adguard"`
	PiHole  PiHoleConfig  `koanf:"pihole"`
	HTTP    HTTPConfig    `koanf:"http"`
	Lookup  LookupConfig  `koanf:"lookup"`
}

type LoggingConfig struct {
	// Level controls log verbosity: "debug", "info", "warn", or "error".
	Level string `koanf:"level" validate:"required,oneof=debug info warn error"`
}

type SyncConfig struct {
	Interval       time.Duration `koanf:"interval" validate:"required,min=1s"`
	AdapterTimeout time.Duration `koanf:"adapter_timeout" validate:"required,min=100ms"`
	Concurrency    int           `koanf:"concurrency" validate:"required,gte=1,lte=64"`
}

type RulesConfig struct {
	// Path is the YAML rule file, re-read on every sweep.
	Path string `koanf:"path" validate:"required"`
}

type StateConfig struct {
	// Path is the bbolt database holding applied state. Empty keeps state in
	// memory, so every restart re-applies everything once.
	Path string `koanf:"path"`
}

type AdGuardConfig struct {
	URL      string `koanf:"url" validate:"omitempty,url"`
	Username string `koanf:"username" validate:"required_with=URL"`
	Password string `koanf:"password"`
}

type PiHoleConfig struct {
	URL   string `koanf:"url" validate:"omitempty,url"`
	Token string `koanf:"token"`
}

type HTTPConfig struct {
	// Listen is the admin address; empty disables the admin server.
	Listen string `koanf:"listen" validate:"omitempty,hostname_port"`
	Token  string `koanf:"token"`
}

type LookupConfig struct {
	CacheSize int     `koanf:"cache_size" validate:"gte=0"`
	FPRate    float64 `koanf:"fp_rate" validate:"gt=0,lt=1"`
}

// DEFAULT_APP_CONFIG defines the defaults every environment variable overrides.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:      "prod",
	Log:      LoggingConfig{Level: "info"},
	Location: "Local",
	Sync: SyncConfig{
		Interval:       time.Minute,
		AdapterTimeout: 10 * time.Second,
		Concurrency:    4,
	},
	Rules:  RulesConfig{Path: "/etc/rr-rulesync/rules.yaml"},
	State:  StateConfig{Path: "/var/lib/rr-rulesync/state.db"},
	HTTP:   HTTPConfig{Listen: ""},
	Lookup: LookupConfig{CacheSize: 10000, FPRate: 0.01},
}

// TimeLocation resolves Location. It only fails on configs that skipped Load.
func (c *AppConfig) TimeLocation() (*time.Location, error) {
	if strings.EqualFold(c.Location, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.Location)
}

func validLocation(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if strings.EqualFold(name, "local") {
		return true
	}
	_, err := time.LoadLocation(name)
	return err == nil && name != ""
}

// envLoader loads RULESYNC_* variables, mapping RULESYNC_A__B to a.b.
// It is a variable so tests can swap it.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			key = strings.ReplaceAll(key, "__", ".")
			return key, strings.TrimSpace(value)
		},
	}), nil)
}

var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("location", validLocation)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
