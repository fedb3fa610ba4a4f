package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CapPolicy decides what happens to a roundup that would push a user past
// their monthly cap.
type CapPolicy string

const (
	// CapPolicySkip drops the roundup entirely.
	CapPolicySkip CapPolicy = "skip"
	// CapPolicyTruncate applies the remaining headroom instead.
	CapPolicyTruncate CapPolicy = "truncate"
)

// PolicyConfig holds business policy knobs that operators tune without a
// redeploy: fee rates, retry ceilings, and the cap policy.
type PolicyConfig struct {
	PlatformFeeBps      int       `mapstructure:"platformFeeBps"`
	ProcessingFeeBps    int       `mapstructure:"processingFeeBps"`
	ProcessingFeeFixed  int64     `mapstructure:"processingFeeFixed"`
	BatchRetryCeiling   int       `mapstructure:"batchRetryCeiling"`
	CapPolicy           CapPolicy `mapstructure:"capPolicy"`
	CommissionRateBps   int       `mapstructure:"commissionRateBps"`
	CommissionMonths    int       `mapstructure:"commissionMonths"`
	SettlementWindowDay int       `mapstructure:"settlementWindowDays"`
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		PlatformFeeBps:      500, // 5%
		ProcessingFeeBps:    290, // 2.9% + fixed, processor card rate
		ProcessingFeeFixed:  30,
		BatchRetryCeiling:   3,
		CapPolicy:           CapPolicySkip,
		CommissionRateBps:   1000, // 10%
		CommissionMonths:    12,
		SettlementWindowDay: 30,
	}
}

type PolicyHolder struct {
	current atomic.Value // holds PolicyConfig
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/roundup/config")
	v.AddConfigPath("/etc/roundup")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ROUNDUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicyConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		v.SetDefault("policy.platformFeeBps", defaults.PlatformFeeBps)
		v.SetDefault("policy.processingFeeBps", defaults.ProcessingFeeBps)
		v.SetDefault("policy.processingFeeFixed", defaults.ProcessingFeeFixed)
		v.SetDefault("policy.batchRetryCeiling", defaults.BatchRetryCeiling)
		v.SetDefault("policy.capPolicy", string(defaults.CapPolicy))
		v.SetDefault("policy.commissionRateBps", defaults.CommissionRateBps)
		v.SetDefault("policy.commissionMonths", defaults.CommissionMonths)
		v.SetDefault("policy.settlementWindowDays", defaults.SettlementWindowDay)
	}

	cfg, err := unmarshalPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		next, err := unmarshalPolicy(v)
		if err != nil {
			log.Printf("policy config reload rejected: %v", err)
			return
		}
		holder.current.Store(next)
	})

	return holder, nil
}

// NewStaticPolicyHolder returns a holder pinned to cfg. Used by tests and by
// callers that manage policy themselves.
func NewStaticPolicyHolder(cfg PolicyConfig) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *PolicyHolder) Current() PolicyConfig {
	return h.current.Load().(PolicyConfig)
}

func unmarshalPolicy(v *viper.Viper) (PolicyConfig, error) {
	var cfg PolicyConfig
	if err := v.UnmarshalKey("policy", &cfg); err != nil {
		return PolicyConfig{}, err
	}
	if err := validatePolicy(cfg); err != nil {
		return PolicyConfig{}, err
	}
	return cfg, nil
}

func validatePolicy(cfg PolicyConfig) error {
	if cfg.PlatformFeeBps < 0 || cfg.PlatformFeeBps > 10_000 {
		return errors.New("platformFeeBps out of range")
	}
	if cfg.ProcessingFeeBps < 0 || cfg.ProcessingFeeBps > 10_000 {
		return errors.New("processingFeeBps out of range")
	}
	if cfg.BatchRetryCeiling < 0 {
		return errors.New("batchRetryCeiling must be >= 0")
	}
	switch cfg.CapPolicy {
	case CapPolicySkip, CapPolicyTruncate, "":
	default:
		return errors.New("capPolicy must be skip or truncate")
	}
	if cfg.CommissionRateBps < 0 || cfg.CommissionRateBps > 10_000 {
		return errors.New("commissionRateBps out of range")
	}
	return nil
}

// EstimateProcessingFee returns the processor fee for a charge of amount
// minor units, rate + fixed portion, rounded half up.
func (c PolicyConfig) EstimateProcessingFee(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	return (amount*int64(c.ProcessingFeeBps)+5_000)/10_000 + c.ProcessingFeeFixed
}

// PlatformFee returns the platform's cut of a gross amount in minor units.
func (c PolicyConfig) PlatformFee(gross int64, overrideBps *int) int64 {
	bps := int64(c.PlatformFeeBps)
	if overrideBps != nil {
		bps = int64(*overrideBps)
	}
	if gross <= 0 || bps <= 0 {
		return 0
	}
	return (gross*bps + 5_000) / 10_000
}
