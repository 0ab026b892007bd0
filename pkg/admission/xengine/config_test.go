package xengine

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xadmit/pkg/admission/xrule"
	"github.com/omeyang/xadmit/pkg/config/xconf"
)

const nodeYAML = `
xadmit:
  node: edge-1
  fail_policy: closed
  fail_retry_after: 5s
  default_rule:
    id: fallback
    scope: global
    limit_type: per_second
    limit_value: 50
    resource_type: any
  rules:
    - id: admins
      scope: user
      limit_type: per_minute
      limit_value: 10
      resource_type: admin
    - id: writes
      scope: user
      limit_type: per_day
      limit_value: 1000
      resource_type: file_write
  exempt_networks: ["10.0.0.0/8", "127.0.0.1"]
  feedback:
    workers: 8
  maintenance:
    decay_schedule: "30 2 * * 0"
    location: UTC
`

func TestConfig_LoadYAML(t *testing.T) {
	cfg, err := xconf.NewFromBytes([]byte(nodeYAML), xconf.FormatYAML)
	require.NoError(t, err)

	c := DefaultConfig()
	require.NoError(t, xconf.Load(cfg, "xadmit", &c))

	assert.Equal(t, "edge-1", c.Node)
	assert.Equal(t, FailClosed, c.FailPolicy)
	assert.Equal(t, 5*time.Second, c.FailRetryAfter)
	require.NotNil(t, c.DefaultRule)
	assert.Equal(t, "fallback", c.DefaultRule.ID)
	assert.Equal(t, xrule.PerSecond, c.DefaultRule.LimitType)

	require.Len(t, c.Rules, 2)
	assert.Equal(t, xrule.ScopeUser, c.Rules[0].Scope)
	assert.Equal(t, xrule.ResourceAdmin, c.Rules[0].ResourceType)
	assert.Equal(t, xrule.PerDay, c.Rules[1].LimitType)

	// 未出现的键保留默认值
	assert.Equal(t, 8, c.Feedback.Workers)
	assert.Equal(t, 4096, c.Feedback.QueueSize)
	assert.Equal(t, 10*time.Second, c.AlertInterval)
	assert.Equal(t, "30 2 * * 0", c.Maintenance.DecaySchedule)
	assert.Equal(t, time.Hour, c.Maintenance.CompactInterval)
	assert.Equal(t, 10, c.Reputation.CleanSampleEvery)

	set, err := ParseExempt(c.ExemptNetworks)
	require.NoError(t, err)
	assert.True(t, set.Contains(netip.MustParseAddr("10.20.30.40")))
	assert.True(t, set.Contains(netip.MustParseAddr("127.0.0.1")))
	assert.False(t, set.Contains(netip.MustParseAddr("127.0.0.2")))
}

func TestConfig_LoadRejectsUnknownEnum(t *testing.T) {
	cfg, err := xconf.NewFromBytes([]byte("rules:\n  - id: x\n    scope: tenant\n    limit_type: per_minute\n    limit_value: 1\n"), xconf.FormatYAML)
	require.NoError(t, err)

	c := DefaultConfig()
	assert.Error(t, xconf.Load(cfg, "", &c))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"fail policy", func(c *Config) { c.FailPolicy = "maybe" }},
		{"fail retry", func(c *Config) { c.FailRetryAfter = 0 }},
		{"rule ttl", func(c *Config) { c.RuleTTL = 0 }},
		{"feedback workers", func(c *Config) { c.Feedback.Workers = 0 }},
		{"throttle interval", func(c *Config) { c.Throttle.Interval = 0 }},
		{"sweep interval", func(c *Config) { c.Maintenance.SweepInterval = -time.Second }},
		{"decay schedule", func(c *Config) { c.Maintenance.DecaySchedule = " " }},
		{"location", func(c *Config) { c.Maintenance.Location = "Mars/Olympus" }},
		{"default rule quota", func(c *Config) { c.DefaultRule.LimitType = xrule.PerMonth }},
		{"default rule limit", func(c *Config) { c.DefaultRule.LimitValue = 0 }},
		{"rule without id", func(c *Config) {
			c.Rules = []xrule.Rule{{Scope: xrule.ScopeUser, LimitType: xrule.PerMinute, LimitValue: 1}}
		}},
		{"global rule with value", func(c *Config) {
			c.Rules = []xrule.Rule{{ID: "g", ScopeValue: "x", LimitType: xrule.PerMinute, LimitValue: 1}}
		}},
		{"exempt", func(c *Config) { c.ExemptNetworks = []string{"300.0.0.1"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}

	c := DefaultConfig()
	c.Reputation.CleanSampleEvery = 0
	assert.Error(t, c.Validate())
}

func TestParseExempt_Empty(t *testing.T) {
	set, err := ParseExempt(nil)
	require.NoError(t, err)
	assert.Nil(t, set)
}
