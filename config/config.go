// Package config loads and validates the relayer configuration from a YAML
// file with environment-variable overrides.
package config

import (
	"strings"
	"time"

	relayerrors "github.com/openbridge/relayer/common/errors"
	"github.com/openbridge/relayer/common/types"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds the full relayer configuration.
type Config struct {
	Database          DatabaseConfig `mapstructure:"database"`
	Source            ChainSettings  `mapstructure:"source"`
	Destination       ChainSettings  `mapstructure:"destination"`
	ReconcileInterval time.Duration  `mapstructure:"reconcileInterval"`
	Server            ServerConfig   `mapstructure:"server"`
	LogLevel          string         `mapstructure:"logLevel"`
}

// DatabaseConfig holds the transfer ledger database settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// ServerConfig holds the operational API settings.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// ChainSettings holds the per-chain configuration as written in the config
// file.
type ChainSettings struct {
	Name                  string        `mapstructure:"name"`
	ChainID               uint64        `mapstructure:"chainId"`
	RpcUrl                string        `mapstructure:"rpcUrl"`
	BridgeContract        string        `mapstructure:"bridgeContract"`
	PrivateKey            string        `mapstructure:"privateKey"`
	TxType                uint64        `mapstructure:"txType"`
	RequiredConfirmations uint64        `mapstructure:"requiredConfirmations"`
	PollInterval          time.Duration `mapstructure:"pollInterval"`
	MaxBlockRange         uint64        `mapstructure:"maxBlockRange"`
	StartHeight           uint64        `mapstructure:"startHeight"`
}

// ChainConfig converts the settings into the runtime chain configuration.
func (s *ChainSettings) ChainConfig() *types.ChainConfig {
	return &types.ChainConfig{
		Name:                  s.Name,
		ChainID:               s.ChainID,
		RpcUrl:                s.RpcUrl,
		BridgeContract:        s.BridgeContract,
		PrivateKey:            s.PrivateKey,
		TxType:                s.TxType,
		RequiredConfirmations: s.RequiredConfirmations,
		PollInterval:          s.PollInterval,
		MaxBlockRange:         s.MaxBlockRange,
		StartHeight:           s.StartHeight,
	}
}

// Load reads the configuration from the given file. Environment variables
// prefixed with RELAYER_ override file values (dots become underscores, e.g.
// RELAYER_DATABASE_URL).
//
// Parameters:
// - path: the configuration file path.
//
// Returns:
// - *Config: the loaded and validated configuration.
// - error: an error if reading, unmarshalling, or validation fails.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("RELAYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("logLevel", "info")
	v.SetDefault("reconcileInterval", time.Minute)
	v.SetDefault("source.pollInterval", 5*time.Second)
	v.SetDefault("source.maxBlockRange", 1000)
	v.SetDefault("destination.requiredConfirmations", 3)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for completeness. Validation is strict:
// a relayer brought up with a wrong or partial configuration loses transfers,
// so nothing here is silently defaulted into existence.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.Wrap(relayerrors.ErrInvalidConfig, "database.url is required")
	}

	if err := validateChain(&c.Source, "source", false); err != nil {
		return err
	}
	if err := validateChain(&c.Destination, "destination", true); err != nil {
		return err
	}

	if c.Source.ChainID == c.Destination.ChainID {
		return errors.Wrap(relayerrors.ErrInvalidConfig, "source and destination chain ids must differ")
	}
	if c.Source.RequiredConfirmations == 0 {
		return errors.Wrap(relayerrors.ErrInvalidConfig, "source.requiredConfirmations must be positive")
	}
	if c.Source.PollInterval <= 0 {
		return errors.Wrap(relayerrors.ErrInvalidConfig, "source.pollInterval must be positive")
	}

	return nil
}

func validateChain(s *ChainSettings, role string, needsKey bool) error {
	if s.Name == "" {
		return errors.Wrapf(relayerrors.ErrInvalidConfig, "%s.name is required", role)
	}
	if s.ChainID == 0 {
		return errors.Wrapf(relayerrors.ErrInvalidConfig, "%s.chainId is required", role)
	}
	if s.RpcUrl == "" {
		return errors.Wrapf(relayerrors.ErrInvalidConfig, "%s.rpcUrl is required", role)
	}
	if s.BridgeContract == "" {
		return errors.Wrapf(relayerrors.ErrInvalidConfig, "%s.bridgeContract is required", role)
	}
	if needsKey && s.PrivateKey == "" {
		return errors.Wrapf(relayerrors.ErrInvalidConfig, "%s.privateKey is required", role)
	}
	return nil
}
