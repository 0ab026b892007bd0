package xreputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/omeyang/xadmit/pkg/admission/xevent"
)

const mergeAttempts = 3

// Merged 从检查点与事件日志物化用户状态，不写入
func (m *Manager) Merged(ctx context.Context, userID string) (xevent.State, error) {
	if userID == "" {
		return xevent.State{}, ErrEmptyUser
	}
	base, err := m.checkpoint(ctx, userID)
	if err != nil {
		return xevent.State{}, err
	}
	events, err := m.log.ByUser(ctx, userID)
	if err != nil {
		return xevent.State{}, err
	}
	return xevent.Materialize(base, events), nil
}

// ApplyMerged 物化用户状态并覆盖本地状态。
// 物化期间若本地又产生了更新的事件，重新物化，最多三次。
func (m *Manager) ApplyMerged(ctx context.Context, userID string) (Score, error) {
	for range mergeAttempts {
		merged, err := m.Merged(ctx, userID)
		if err != nil {
			return Score{}, err
		}
		_, err = m.kv.Update(ctx, keyPrefix+userID, 0, func(cur []byte, exists bool) ([]byte, error) {
			st, err := decodeState(userID, cur, exists)
			if err != nil {
				return nil, err
			}
			if merged.Last.Less(st.Last) {
				return nil, errStaleMerge
			}
			return json.Marshal(merged)
		})
		m.cache.Remove(userID)
		if errors.Is(err, errStaleMerge) {
			continue
		}
		if err != nil {
			return Score{}, err
		}
		return m.view(merged), nil
	}
	return Score{}, fmt.Errorf("xreputation: apply merged %s: %w", userID, errStaleMerge)
}

// Compact 把早于 before 的事件折叠进每个用户的检查点，然后从日志中删除。
// before 应远早于同步延迟，保证被删除的事件已经复制到所有节点。
func (m *Manager) Compact(ctx context.Context, before time.Time) (int, error) {
	cut := before.UnixNano()
	old := make(map[string][]xevent.Event)
	var seq uint64
	for {
		page, err := m.log.Since(ctx, seq, 1000)
		if err != nil {
			return 0, err
		}
		if len(page) == 0 {
			break
		}
		for _, ev := range page {
			if ev.Timestamp < cut {
				old[ev.UserID] = append(old[ev.UserID], ev)
			}
		}
		seq = page[len(page)-1].Seq
	}

	for user, events := range old {
		base, err := m.checkpoint(ctx, user)
		if err != nil {
			return 0, err
		}
		cp := xevent.Materialize(base, events)
		cp.Through = max(cp.Through, cut)
		data, err := json.Marshal(cp)
		if err != nil {
			return 0, err
		}
		_, err = m.kv.Update(ctx, checkpointPrefix+user, 0, func([]byte, bool) ([]byte, error) { return data, nil })
		if err != nil {
			return 0, err
		}
	}

	removed, err := m.log.Prune(ctx, before)
	if err != nil {
		return 0, err
	}
	m.logger.Info(ctx, "reputation events compacted", slog.Int("users", len(old)), slog.Int("removed", removed))
	return removed, nil
}

func (m *Manager) checkpoint(ctx context.Context, userID string) (xevent.State, error) {
	raw, exists, err := m.kv.Get(ctx, checkpointPrefix+userID)
	if err != nil {
		return xevent.State{}, err
	}
	return decodeState(userID, raw, exists)
}
