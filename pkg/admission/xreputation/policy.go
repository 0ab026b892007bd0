package xreputation

import (
	"errors"
	"fmt"
	"time"

	"github.com/omeyang/xadmit/pkg/admission/xevent"
)

// Tier 信誉等级
type Tier uint8

const (
	TierFlagged Tier = iota
	TierStandard
	TierTrusted
	TierPremium
	tierCount
)

var tierNames = [tierCount]string{"flagged", "standard", "trusted", "premium"}

func (t Tier) String() string {
	if t < tierCount {
		return tierNames[t]
	}
	return fmt.Sprintf("Tier(%d)", t)
}

func (t Tier) MarshalText() ([]byte, error) {
	if t >= tierCount {
		return nil, fmt.Errorf("xreputation: unknown tier %d", t)
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	for i, n := range tierNames {
		if n == string(b) {
			*t = Tier(i)
			return nil
		}
	}
	return fmt.Errorf("xreputation: unknown tier %q", b)
}

// VIPPremium 唯一内置的 VIP 等级
const VIPPremium = "premium"

// ErrInvalidPolicy 策略参数无效
var ErrInvalidPolicy = errors.New("xreputation: invalid policy")

// Policy 信誉策略常量
type Policy struct {
	// Penalties 违规等级 1/2/3 对应的扣分
	Penalties [3]int `koanf:"penalties"`
	// CleanReward 正常请求加分
	CleanReward int `koanf:"clean_reward"`
	// CleanSampleEvery 每 N 次放行记录一次正常请求
	CleanSampleEvery int `koanf:"clean_sample_every"`
	// DecayStep 每次衰减向 DecayTarget 移动的分数
	DecayStep   int `koanf:"decay_step"`
	DecayTarget int `koanf:"decay_target"`
	// FlaggedBelow 低于此分为 flagged；TrustedFrom 及以上为 trusted
	FlaggedBelow int `koanf:"flagged_below"`
	TrustedFrom  int `koanf:"trusted_from"`

	FlaggedMultiplier  float64 `koanf:"flagged_multiplier"`
	StandardMultiplier float64 `koanf:"standard_multiplier"`
	TrustedMultiplier  float64 `koanf:"trusted_multiplier"`
	PremiumMultiplier  float64 `koanf:"premium_multiplier"`

	CacheTTL  time.Duration `koanf:"cache_ttl"`
	CacheSize int           `koanf:"cache_size"`
}

// DefaultPolicy 默认策略
func DefaultPolicy() Policy {
	return Policy{
		Penalties:          [3]int{3, 6, 9},
		CleanReward:        1,
		CleanSampleEvery:   10,
		DecayStep:          5,
		DecayTarget:        xevent.InitialScore,
		FlaggedBelow:       20,
		TrustedFrom:        80,
		FlaggedMultiplier:  0.5,
		StandardMultiplier: 1.0,
		TrustedMultiplier:  1.5,
		PremiumMultiplier:  2.0,
		CacheTTL:           5 * time.Minute,
		CacheSize:          100_000,
	}
}

// Validate 检查策略；乘数必须随等级单调不减，保证自适应限额随分数单调
func (p Policy) Validate() error {
	for i, v := range p.Penalties {
		if v < 0 {
			return fmt.Errorf("%w: penalty[%d]=%d", ErrInvalidPolicy, i, v)
		}
	}
	switch {
	case p.CleanReward < 0:
		return fmt.Errorf("%w: clean_reward=%d", ErrInvalidPolicy, p.CleanReward)
	case p.CleanSampleEvery < 1:
		return fmt.Errorf("%w: clean_sample_every=%d", ErrInvalidPolicy, p.CleanSampleEvery)
	case p.DecayStep < 0:
		return fmt.Errorf("%w: decay_step=%d", ErrInvalidPolicy, p.DecayStep)
	case p.DecayTarget < xevent.MinScore || p.DecayTarget > xevent.MaxScore:
		return fmt.Errorf("%w: decay_target=%d", ErrInvalidPolicy, p.DecayTarget)
	case p.FlaggedBelow < xevent.MinScore || p.FlaggedBelow > p.TrustedFrom || p.TrustedFrom > xevent.MaxScore:
		return fmt.Errorf("%w: tier thresholds %d/%d", ErrInvalidPolicy, p.FlaggedBelow, p.TrustedFrom)
	case p.FlaggedMultiplier <= 0 || p.FlaggedMultiplier > p.StandardMultiplier ||
		p.StandardMultiplier > p.TrustedMultiplier || p.PremiumMultiplier <= 0:
		return fmt.Errorf("%w: multipliers must be positive and non-decreasing by tier", ErrInvalidPolicy)
	case p.CacheTTL <= 0 || p.CacheSize <= 0:
		return fmt.Errorf("%w: cache ttl/size", ErrInvalidPolicy)
	}
	return nil
}

// Penalty 违规等级对应的扣分，等级截断到 [1,3]
func (p Policy) Penalty(severity int) int {
	severity = min(max(severity, 1), 3)
	return p.Penalties[severity-1]
}

// TierFor 等级是 (分数, VIP 是否生效) 的纯函数
func (p Policy) TierFor(score int, vipActive bool) Tier {
	switch {
	case vipActive:
		return TierPremium
	case score < p.FlaggedBelow:
		return TierFlagged
	case score < p.TrustedFrom:
		return TierStandard
	default:
		return TierTrusted
	}
}

// Multiplier 等级对应的乘数
func (p Policy) Multiplier(t Tier) float64 {
	switch t {
	case TierFlagged:
		return p.FlaggedMultiplier
	case TierTrusted:
		return p.TrustedMultiplier
	case TierPremium:
		return p.PremiumMultiplier
	default:
		return p.StandardMultiplier
	}
}

// Decay 向目标移动一步，不越过目标
func (p Policy) Decay(score int) int {
	switch {
	case score > p.DecayTarget:
		return max(score-p.DecayStep, p.DecayTarget)
	case score < p.DecayTarget:
		return min(score+p.DecayStep, p.DecayTarget)
	default:
		return score
	}
}

// AdaptiveLimit floor(base × multiplier)，至少为 1
func AdaptiveLimit(base int64, multiplier float64) int64 {
	// 1e-9 吸收浮点误差，例如 100×1.5×0.6 得到 89.99999999999999
	v := int64(float64(base)*multiplier + 1e-9)
	return max(v, 1)
}
