// Package config loads the daemon's static configuration using viper,
// following the wrapped-root/mapstructure/SetDefault pattern used
// throughout the reference capture-agent configuration loader.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// configRoot mirrors the YAML document's single top-level key.
type configRoot struct {
	Charonsa GlobalConfig `mapstructure:"charonsa"`
}

// GlobalConfig is the daemon's full static configuration, maps to the
// `charonsa:` root key in YAML.
type GlobalConfig struct {
	Listen       ListenConfig       `mapstructure:"listen"`
	SA           SAConfig           `mapstructure:"sa"`
	Retransmit   RetransmitConfig   `mapstructure:"retransmit"`
	Fragmentation FragmentationConfig `mapstructure:"fragmentation"`
	Log          LogConfig          `mapstructure:"log"`
}

// ListenConfig names the UDP endpoint the daemon binds.
type ListenConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// SAConfig carries the §6.4 SA-lifecycle settings.
type SAConfig struct {
	HalfOpenTimeout string `mapstructure:"half_open_timeout"`
	MakeBeforeBreak bool   `mapstructure:"make_before_break"`
}

// RetransmitConfig carries the §4.2 retransmission tuning.
type RetransmitConfig struct {
	MaxTries            int     `mapstructure:"max_tries"`
	Base                string  `mapstructure:"base"`
	ExpFactor           float64 `mapstructure:"exp_factor"`
	JitterMargin        float64 `mapstructure:"jitter_margin"`
	SelectiveRetryDelay string  `mapstructure:"selective_retry_delay"`
}

// FragmentationConfig carries the §6.4 SFR/fragmentation settings.
type FragmentationConfig struct {
	SelectiveFragmentRetransmission bool `mapstructure:"selective_fragment_retransmission"`
	MaxFragmentSize                 int  `mapstructure:"max_fragment_size"`
	SimulateFirstFragmentLoss       bool `mapstructure:"simulate_first_fragment_loss"`
}

// LogConfig carries logging verbosity, named the way pion/logging's
// LoggerFactory levels are named.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}
	cfg := root.Charonsa

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("charonsa.listen.address", "0.0.0.0")
	v.SetDefault("charonsa.listen.port", 500)

	v.SetDefault("charonsa.sa.half_open_timeout", "30s")
	v.SetDefault("charonsa.sa.make_before_break", true)

	v.SetDefault("charonsa.retransmit.max_tries", 5)
	v.SetDefault("charonsa.retransmit.base", "500ms")
	v.SetDefault("charonsa.retransmit.exp_factor", 1.6)
	v.SetDefault("charonsa.retransmit.jitter_margin", 0.25)
	v.SetDefault("charonsa.retransmit.selective_retry_delay", "1800ms")

	v.SetDefault("charonsa.fragmentation.selective_fragment_retransmission", true)
	v.SetDefault("charonsa.fragmentation.max_fragment_size", 1200)
	v.SetDefault("charonsa.fragmentation.simulate_first_fragment_loss", false)

	v.SetDefault("charonsa.log.level", "info")
}

// Validate checks that every duration/level string parses and every bound
// is sane, mirroring the reference loader's ValidateAndApplyDefaults.
func (cfg *GlobalConfig) Validate() error {
	if _, err := time.ParseDuration(cfg.SA.HalfOpenTimeout); err != nil {
		return fmt.Errorf("sa.half_open_timeout: %w", err)
	}
	if _, err := time.ParseDuration(cfg.Retransmit.Base); err != nil {
		return fmt.Errorf("retransmit.base: %w", err)
	}
	if _, err := time.ParseDuration(cfg.Retransmit.SelectiveRetryDelay); err != nil {
		return fmt.Errorf("retransmit.selective_retry_delay: %w", err)
	}
	if cfg.Retransmit.MaxTries <= 0 {
		return fmt.Errorf("retransmit.max_tries must be positive")
	}
	if cfg.Fragmentation.MaxFragmentSize <= 0 {
		return fmt.Errorf("fragmentation.max_fragment_size must be positive")
	}
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("log.level: invalid value %q", cfg.Log.Level)
	}
	return nil
}

// HalfOpenTimeout parses SA.HalfOpenTimeout; callers should only reach this
// after Validate has succeeded.
func (cfg *GlobalConfig) HalfOpenTimeout() time.Duration {
	d, _ := time.ParseDuration(cfg.SA.HalfOpenTimeout)
	return d
}

// RetransmitBase parses Retransmit.Base.
func (cfg *GlobalConfig) RetransmitBase() time.Duration {
	d, _ := time.ParseDuration(cfg.Retransmit.Base)
	return d
}

// SelectiveRetryDelay parses Retransmit.SelectiveRetryDelay.
func (cfg *GlobalConfig) SelectiveRetryDelay() time.Duration {
	d, _ := time.ParseDuration(cfg.Retransmit.SelectiveRetryDelay)
	return d
}
