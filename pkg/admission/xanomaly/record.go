package xanomaly

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound 检测记录不存在
	ErrNotFound = errors.New("xanomaly: record not found")
	// ErrResolved 检测记录已处理
	ErrResolved = errors.New("xanomaly: record already resolved")
	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = errors.New("xanomaly: invalid config")
)

// SignalType 检测信号
type SignalType uint8

const (
	SignalBurst SignalType = iota
	SignalOffHours
	SignalResourceSpike
	SignalGeographic
	signalCount
)

var signalNames = [signalCount]string{"burst", "off_hours", "resource_spike", "geographic"}

func (t SignalType) String() string {
	if t < signalCount {
		return signalNames[t]
	}
	return fmt.Sprintf("SignalType(%d)", t)
}

func (t SignalType) MarshalText() ([]byte, error) {
	if t >= signalCount {
		return nil, fmt.Errorf("xanomaly: unknown signal %d", t)
	}
	return []byte(t.String()), nil
}

// Signal 一个触发的信号及其分值
type Signal struct {
	Type   SignalType `json:"type"`
	Points int        `json:"points"`
	Reason string     `json:"reason"`
}

// Band 异常分值等级
type Band uint8

const (
	BandLow Band = iota
	BandMedium
	BandHigh
	BandCritical
)

var bandNames = [...]string{"low", "medium", "high", "critical"}

func (b Band) String() string {
	if int(b) < len(bandNames) {
		return bandNames[b]
	}
	return fmt.Sprintf("Band(%d)", b)
}

func (b Band) MarshalText() ([]byte, error) {
	if int(b) >= len(bandNames) {
		return nil, fmt.Errorf("xanomaly: unknown band %d", b)
	}
	return []byte(b.String()), nil
}

// BandFor 分值对应的等级
func BandFor(score int) Band {
	switch {
	case score < 25:
		return BandLow
	case score < 50:
		return BandMedium
	case score < 75:
		return BandHigh
	default:
		return BandCritical
	}
}

// Severity 记为信誉违规时的严重度
func (b Band) Severity() int {
	switch b {
	case BandLow:
		return 1
	case BandMedium:
		return 2
	default:
		return 3
	}
}

// Record 一次检测结果。Resolved 只影响运维视图。
type Record struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Signals    []Signal  `json:"signals"`
	Score      int       `json:"score"`
	Band       Band      `json:"band"`
	At         time.Time `json:"at"`
	Applied    bool      `json:"applied"`
	Resolved   bool      `json:"resolved"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
	Note       string    `json:"note,omitempty"`
}

// Has 是否包含某个信号
func (r Record) Has(t SignalType) bool {
	for _, s := range r.Signals {
		if s.Type == t {
			return true
		}
	}
	return false
}

func (r Record) clone() Record {
	r.Signals = append([]Signal(nil), r.Signals...)
	return r
}

// Filter 查询条件，零值返回全部
type Filter struct {
	UserID     string
	Unresolved bool
	Since      time.Time
	MinBand    Band
	// Limit 只返回最新的 Limit 条
	Limit int
}

func (f Filter) match(r *Record) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.Unresolved && r.Resolved {
		return false
	}
	if !f.Since.IsZero() && r.At.Before(f.Since) {
		return false
	}
	return r.Band >= f.MinBand
}
