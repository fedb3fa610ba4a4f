package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateProcessingFee(t *testing.T) {
	policy := DefaultPolicyConfig()

	// 2.9% + 30, rounded half up.
	assert.Equal(t, int64(74), policy.EstimateProcessingFee(1500))
	assert.Equal(t, int64(59), policy.EstimateProcessingFee(1000))
	assert.Equal(t, int64(30), policy.EstimateProcessingFee(1))
	assert.Equal(t, int64(0), policy.EstimateProcessingFee(0))
	assert.Equal(t, int64(0), policy.EstimateProcessingFee(-100))
}

func TestPlatformFee(t *testing.T) {
	policy := DefaultPolicyConfig()

	assert.Equal(t, int64(75), policy.PlatformFee(1500, nil))
	assert.Equal(t, int64(50), policy.PlatformFee(1000, nil))

	override := 250
	assert.Equal(t, int64(25), policy.PlatformFee(1000, &override))

	zero := 0
	assert.Equal(t, int64(0), policy.PlatformFee(1000, &zero))
	assert.Equal(t, int64(0), policy.PlatformFee(0, nil))
}

func TestPolicyValidation(t *testing.T) {
	cfg := DefaultPolicyConfig()
	assert.NoError(t, validatePolicy(cfg))

	bad := cfg
	bad.PlatformFeeBps = 10_001
	assert.Error(t, validatePolicy(bad))

	bad = cfg
	bad.CommissionRateBps = -1
	assert.Error(t, validatePolicy(bad))

	bad = cfg
	bad.CapPolicy = CapPolicy("shrug")
	assert.Error(t, validatePolicy(bad))
}
