package config

import (
	"strings"

	"github.com/spf13/viper"
)

// WindowLimit bounds requests per fixed window for one feature.
type WindowLimit struct {
	MaxRequests   int `mapstructure:"maxRequests"`
	WindowMinutes int `mapstructure:"windowMinutes"`
}

// LedgerPolicy configures ledger-side overrides per feature.
type LedgerPolicy struct {
	AllowNegativeBalanceFeatures []string `mapstructure:"allowNegativeBalanceFeatures"`
}

// LimitsConfig enumerates the metered features. Unknown feature names are a
// caller error; there is no default limit.
type LimitsConfig struct {
	RateLimits map[string]WindowLimit `mapstructure:"rateLimits"`
	Ledger     LedgerPolicy           `mapstructure:"ledger"`
}

func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		RateLimits: map[string]WindowLimit{
			"ai_agents":      {MaxRequests: 5, WindowMinutes: 1},
			"ai_summaries":   {MaxRequests: 20, WindowMinutes: 1},
			"ai_transcripts": {MaxRequests: 10, WindowMinutes: 5},
		},
		Ledger: LedgerPolicy{},
	}
}

func (c LedgerPolicy) AllowsOverdraft(feature string) bool {
	feature = strings.TrimSpace(feature)
	for _, name := range c.AllowNegativeBalanceFeatures {
		if strings.EqualFold(name, feature) {
			return true
		}
	}
	return false
}

// LoadLimits reads limits.yml, falling back to defaults when no file exists.
// Limits are loaded once at startup; there is no dynamic reload.
func LoadLimits(cfg Config) (LimitsConfig, error) {
	v := viper.New()

	v.SetConfigName("limits")
	v.SetConfigType("yml")
	if path := strings.TrimSpace(cfg.LimitsPath); path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath("/etc/ledgerguard")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LEDGERGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return LimitsConfig{}, err
		}
		return DefaultLimitsConfig(), nil
	}

	var limits LimitsConfig
	if err := v.Unmarshal(&limits); err != nil {
		return LimitsConfig{}, err
	}
	if len(limits.RateLimits) == 0 {
		limits.RateLimits = DefaultLimitsConfig().RateLimits
	}
	return limits, nil
}
