package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeClampsFirstBitTimeout(t *testing.T) {
	u := UserConfig{Timeouts: TimeoutConfig{Run: 10 * time.Second, FirstBit: 9 * time.Second}}
	u.Normalize()
	assert.Equal(t, 8*time.Second, u.Timeouts.FirstBit)
}

func TestNormalizeClampsBetweenBitTimeout(t *testing.T) {
	u := UserConfig{Timeouts: TimeoutConfig{Run: 10 * time.Second, BetweenBit: 5 * time.Second}}
	u.Normalize()
	assert.Equal(t, 1*time.Second, u.Timeouts.BetweenBit)
}

func TestNormalizeRejectsZeroOrNegativeRunTimeout(t *testing.T) {
	for _, run := range []time.Duration{0, -1 * time.Second} {
		u := UserConfig{Timeouts: TimeoutConfig{Run: run}}
		u.Normalize()
		assert.Equal(t, defaultRunTimeout, u.Timeouts.Run)
	}
}

func TestNormalizeHardCapsMaxChannels(t *testing.T) {
	u := UserConfig{Pool: PoolConfig{MaxChannels: 99}}
	u.Normalize()
	assert.Equal(t, HardMaxSessions, u.Pool.MaxChannels)
}

func TestNormalizeDefaultsMaxChannels(t *testing.T) {
	u := UserConfig{}
	u.Normalize()
	assert.Equal(t, DefaultMaxSessions, u.Pool.MaxChannels)
}

func TestGetDefaultConfigRootLoginCommand(t *testing.T) {
	d := GetDefaultConfig()
	assert.Equal(t, "su -", d.Root.LoginCommand)
}
