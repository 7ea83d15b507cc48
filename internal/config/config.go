// Package config binds environment variables and flags into the typed
// runtime configuration for the API server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "WANDERQUEST"

	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "wanderquest.db"
	defaultLogLevel            = "info"
	defaultGameTokenTTLMinutes = 120
	defaultImagesRoot          = "proof-images"
	defaultMaxPollAttempts     = 30
	defaultMaxNetworkRetries   = 3
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress                string
	DatabasePath               string
	LogLevel                   string
	SigningSecret              string
	GameTokenTTL               time.Duration
	ValidatorBaseURL           string
	ValidatorMaxPollAttempts   int
	ValidatorMaxNetworkRetries int
	ImagesRoot                 string
	CORSOrigins                []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper
// instance. Keys map to env vars with the WANDERQUEST prefix, dots becoming
// underscores (auth.signing_secret -> WANDERQUEST_AUTH_SIGNING_SECRET).
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.game_token_ttl_minutes", defaultGameTokenTTLMinutes)
	configViper.SetDefault("images.root", defaultImagesRoot)
	configViper.SetDefault("validator.max_poll_attempts", defaultMaxPollAttempts)
	configViper.SetDefault("validator.max_network_retries", defaultMaxNetworkRetries)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:                configViper.GetString("http.address"),
		DatabasePath:               configViper.GetString("database.path"),
		LogLevel:                   configViper.GetString("log.level"),
		SigningSecret:              configViper.GetString("auth.signing_secret"),
		GameTokenTTL:               time.Duration(configViper.GetInt("auth.game_token_ttl_minutes")) * time.Minute,
		ValidatorBaseURL:           configViper.GetString("validator.base_url"),
		ValidatorMaxPollAttempts:   configViper.GetInt("validator.max_poll_attempts"),
		ValidatorMaxNetworkRetries: configViper.GetInt("validator.max_network_retries"),
		ImagesRoot:                 configViper.GetString("images.root"),
		CORSOrigins:                configViper.GetStringSlice("cors.origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.ValidatorBaseURL) == "" {
		return fmt.Errorf("validator.base_url is required")
	}
	if c.GameTokenTTL <= 0 {
		return fmt.Errorf("auth.game_token_ttl_minutes must be positive")
	}
	return nil
}
