package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "ATELIER"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "atelier.db"
	defaultLogLevel     = "info"
	defaultRPCEndpoint  = "https://api.mainnet-beta.solana.com"
	defaultUSDCMint     = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	defaultSolFallback  = "150"
	defaultQueueWorkers = 4
	defaultIntentTTLMin = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	AuthSigningKey     string
	WebhookSecret      string
	RPCEndpoint        string
	TreasuryPrivateKey string
	USDCMint           string
	SolPriceFallback   string
	QueueWorkers       int
	IntentTTLMinutes   int
	AllowedOrigins     []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("chain.rpc_endpoint", defaultRPCEndpoint)
	configViper.SetDefault("chain.usdc_mint", defaultUSDCMint)
	configViper.SetDefault("chain.sol_price_fallback", defaultSolFallback)
	configViper.SetDefault("queue.workers", defaultQueueWorkers)
	configViper.SetDefault("intents.ttl_minutes", defaultIntentTTLMin)
	configViper.SetDefault("http.allowed_origins", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		AuthSigningKey:     configViper.GetString("auth.signing_secret"),
		WebhookSecret:      configViper.GetString("webhooks.signing_secret"),
		RPCEndpoint:        configViper.GetString("chain.rpc_endpoint"),
		TreasuryPrivateKey: configViper.GetString("chain.treasury_private_key"),
		USDCMint:           configViper.GetString("chain.usdc_mint"),
		SolPriceFallback:   configViper.GetString("chain.sol_price_fallback"),
		QueueWorkers:       configViper.GetInt("queue.workers"),
		IntentTTLMinutes:   configViper.GetInt("intents.ttl_minutes"),
		AllowedOrigins:     configViper.GetStringSlice("http.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TreasuryPrivateKey) == "" {
		return fmt.Errorf("chain.treasury_private_key is required")
	}
	if strings.TrimSpace(c.RPCEndpoint) == "" {
		return fmt.Errorf("chain.rpc_endpoint is required")
	}
	if strings.TrimSpace(c.USDCMint) == "" {
		return fmt.Errorf("chain.usdc_mint is required")
	}
	if c.QueueWorkers <= 0 {
		return fmt.Errorf("queue.workers must be positive")
	}
	return nil
}
