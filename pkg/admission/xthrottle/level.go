package xthrottle

import (
	"errors"
	"fmt"
)

// ErrInvalidLevel 未知等级
var ErrInvalidLevel = errors.New("xthrottle: invalid level")

// Level 限流等级
type Level uint8

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
	levelCount
)

// levels 每个等级的乘数及进入该等级的 CPU/内存下限（百分比）。
// critical 的下限是开区间，其余为闭区间。
var levels = [levelCount]struct {
	name       string
	multiplier float64
	cpu        float64
	mem        float64
}{
	{"none", 1.0, 0, 0},
	{"low", 0.8, 50, 60},
	{"medium", 0.6, 70, 75},
	{"high", 0.4, 85, 85},
	{"critical", 0.2, 95, 95},
}

func (l Level) String() string {
	if l < levelCount {
		return levels[l].name
	}
	return fmt.Sprintf("Level(%d)", l)
}

// Valid 判断是否为已定义的等级
func (l Level) Valid() bool { return l < levelCount }

// Multiplier 等级对应的乘数
func (l Level) Multiplier() float64 {
	if l < levelCount {
		return levels[l].multiplier
	}
	return 1.0
}

// ParseLevel 解析小写名称
func ParseLevel(name string) (Level, error) {
	for i, lv := range levels {
		if lv.name == name {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, name)
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, l)
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// LevelFor 两项指标分别查表，取较高等级
func LevelFor(cpu, mem float64) Level {
	return max(lookup(cpu, func(i int) float64 { return levels[i].cpu }),
		lookup(mem, func(i int) float64 { return levels[i].mem }))
}

func lookup(v float64, bound func(int) float64) Level {
	if v > bound(int(LevelCritical)) {
		return LevelCritical
	}
	for l := LevelHigh; l > LevelNone; l-- {
		if v >= bound(int(l)) {
			return l
		}
	}
	return LevelNone
}
