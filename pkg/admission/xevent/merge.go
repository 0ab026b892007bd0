package xevent

// State 物化后的用户信誉状态
type State struct {
	UserID         string `json:"user_id"`
	Score          int    `json:"score"`
	VIPTier        string `json:"vip_tier,omitempty"`
	VIPExpires     int64  `json:"vip_expires,omitempty"`
	ViolationCount int64  `json:"violations"`
	CleanCount     int64  `json:"cleans"`
	// Manual 生效的手动设分事件，之前的增量被覆盖
	Manual Stamp `json:"manual"`
	// VIP 生效的 VIP 变更事件
	VIP Stamp `json:"vip"`
	// Last 已合入的最新事件
	Last Stamp `json:"last"`
	// Through 作为检查点时，已折叠了时间戳早于此值的全部事件
	Through int64 `json:"through,omitempty"`
}

// NewState 新用户的初始状态
func NewState(userID string) State {
	return State{UserID: userID, Score: InitialScore}
}

// Clamp 截断到 [MinScore, MaxScore]
func Clamp(score int) int {
	return min(max(score, MinScore), MaxScore)
}

// Materialize 把 events 合入 base。base 是不包含这些事件的检查点，新用户用 [NewState]。
// 结果只取决于事件集合：重复事件（同一内容哈希）只计一次，顺序无关。
// 不属于 base.UserID 的事件、早于 base.Through 的事件被忽略。
func Materialize(base State, events []Event) State {
	seen := make(map[string]struct{}, len(events))
	uniq := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.UserID != base.UserID || !ev.Type.Valid() || ev.Timestamp < base.Through {
			continue
		}
		if _, dup := seen[ev.ContentHash]; dup {
			continue
		}
		seen[ev.ContentHash] = struct{}{}
		uniq = append(uniq, ev)
	}

	st := base
	var manual, vip *Event
	for i := range uniq {
		ev := &uniq[i]
		s := ev.Stamp()
		if st.Last.Less(s) {
			st.Last = s
		}
		switch ev.Type {
		case TypeManualScore:
			if base.Manual.Less(s) && (manual == nil || manual.Stamp().Less(s)) {
				manual = ev
			}
		case TypeVIPSet, TypeVIPRemoved:
			if base.VIP.Less(s) && (vip == nil || vip.Stamp().Less(s)) {
				vip = ev
			}
		case TypeViolation, TypeAnomaly:
			st.ViolationCount++
		case TypeClean:
			st.CleanCount++
		}
	}

	cut := base.Manual
	if manual != nil {
		cut = manual.Stamp()
		st.Manual = cut
		st.Score = manual.Score
	}
	for _, ev := range uniq {
		if ev.Type.IsDelta() && cut.Less(ev.Stamp()) {
			st.Score += ev.ScoreDelta
		}
	}
	st.Score = Clamp(st.Score)

	if vip != nil {
		st.VIP = vip.Stamp()
		if vip.Type == TypeVIPSet {
			st.VIPTier, st.VIPExpires = vip.VIPTier, vip.VIPExpires
		} else {
			st.VIPTier, st.VIPExpires = "", 0
		}
	}
	return st
}
