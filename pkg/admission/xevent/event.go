package xevent

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// 分数范围
const (
	MinScore     = 0
	MaxScore     = 100
	InitialScore = 50
)

var (
	// ErrInvalidEvent 事件字段不完整
	ErrInvalidEvent = errors.New("xevent: invalid event")
	// ErrClosed 日志已关闭
	ErrClosed = errors.New("xevent: log closed")
)

// Type 事件类型
type Type uint8

const (
	TypeViolation Type = iota
	TypeClean
	TypeDecay
	TypeAnomaly
	TypeManualScore
	TypeVIPSet
	TypeVIPRemoved
	typeCount
)

var typeNames = [typeCount]string{
	"violation", "clean", "decay", "anomaly", "manual_score", "vip_set", "vip_removed",
}

func (t Type) String() string {
	if t < typeCount {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", t)
}

// Valid 判断是否为已定义的类型
func (t Type) Valid() bool { return t < typeCount }

// IsDelta 增量类事件，合并时求和
func (t Type) IsDelta() bool {
	switch t {
	case TypeViolation, TypeClean, TypeDecay, TypeAnomaly:
		return true
	default:
		return false
	}
}

// IsManual 管理员覆盖类事件
func (t Type) IsManual() bool {
	return t == TypeManualScore || t == TypeVIPSet || t == TypeVIPRemoved
}

// ParseType 解析小写名称
func ParseType(name string) (Type, error) {
	for i, n := range typeNames {
		if n == name {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, name)
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown type %d", ErrInvalidEvent, t)
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Event 不可变的信誉事件。
// 时间字段以 unix 纳秒保存，跨存储往返不丢精度。
type Event struct {
	ID     int64  `json:"id" bson:"id"`
	UserID string `json:"user_id" bson:"user_id"`
	Type   Type   `json:"type" bson:"type"`
	// Severity 违规等级 1..3，其他类型为 0
	Severity int `json:"severity,omitempty" bson:"severity,omitempty"`
	// ScoreDelta 本地截断后的实际变化量
	ScoreDelta int `json:"score_delta,omitempty" bson:"score_delta,omitempty"`
	// Score manual_score 事件的目标分数
	Score      int    `json:"score,omitempty" bson:"score,omitempty"`
	VIPTier    string `json:"vip_tier,omitempty" bson:"vip_tier,omitempty"`
	VIPExpires int64  `json:"vip_expires,omitempty" bson:"vip_expires,omitempty"`
	Manual     bool   `json:"manual,omitempty" bson:"manual,omitempty"`
	Reason     string `json:"reason,omitempty" bson:"reason,omitempty"`

	Timestamp   int64  `json:"ts" bson:"ts"`
	Lamport     uint64 `json:"lamport" bson:"lamport"`
	OriginNode  string `json:"origin" bson:"origin"`
	ContentHash string `json:"hash" bson:"hash"`

	// Seq 本地日志序号，由 Log.Append 分配，跨节点无意义
	Seq uint64 `json:"seq,omitempty" bson:"seq"`
}

// Hash 计算内容哈希
func Hash(userID string, typ Type, timestamp int64, origin string) string {
	d := xxhash.New()
	_, _ = d.WriteString(userID)
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(typ.String())
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(strconv.FormatInt(timestamp, 10))
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(origin)
	return strconv.FormatUint(d.Sum64(), 16)
}

// Seal 用 stamp 填充时间、Lamport、来源与内容哈希
func (e *Event) Seal(s Stamp) {
	e.Timestamp = s.Timestamp
	e.Lamport = s.Lamport
	e.OriginNode = s.Origin
	e.ContentHash = Hash(e.UserID, e.Type, e.Timestamp, e.OriginNode)
}

// Stamp 事件在全序中的位置
func (e Event) Stamp() Stamp {
	return Stamp{Lamport: e.Lamport, Timestamp: e.Timestamp, Origin: e.OriginNode}
}

// Time 事件时间
func (e Event) Time() time.Time { return time.Unix(0, e.Timestamp).UTC() }

// Validate 检查必需字段与哈希
func (e Event) Validate() error {
	switch {
	case e.UserID == "":
		return fmt.Errorf("%w: empty user id", ErrInvalidEvent)
	case !e.Type.Valid():
		return fmt.Errorf("%w: unknown type %d", ErrInvalidEvent, e.Type)
	case e.OriginNode == "":
		return fmt.Errorf("%w: empty origin", ErrInvalidEvent)
	case e.ContentHash != Hash(e.UserID, e.Type, e.Timestamp, e.OriginNode):
		return fmt.Errorf("%w: content hash mismatch", ErrInvalidEvent)
	}
	return nil
}
