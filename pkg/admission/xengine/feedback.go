package xengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/omeyang/xadmit/pkg/admission/xanomaly"
	"github.com/omeyang/xadmit/pkg/admission/xsink"
	"github.com/omeyang/xadmit/pkg/observability/xlog"
)

type feedbackKind uint8

const (
	feedbackClean feedbackKind = iota
	feedbackViolation
	feedbackAlert
)

var feedbackNames = [...]string{"clean", "violation", "alert"}

func (k feedbackKind) String() string { return feedbackNames[k] }

// feedback 判定之后的异步工作
type feedback struct {
	kind     feedbackKind
	user     string
	severity int
	detail   string
	activity *xanomaly.Activity
	alert    xsink.Notification
}

// activityOf 没有用户归属的请求不进入异常检测
func activityOf(req Request, user string, allowed bool, now time.Time) *xanomaly.Activity {
	if user == "" {
		return nil
	}
	return &xanomaly.Activity{UserID: user, Resource: req.Resource, Allowed: allowed, Region: req.Region, At: now}
}

// enqueue 非阻塞入队，队列满或引擎已关闭时丢弃
func (e *Engine) enqueue(ctx context.Context, f feedback) {
	if f.kind != feedbackAlert && f.user == "" {
		return
	}
	select {
	case <-e.done:
		return
	default:
	}
	select {
	case e.queue <- f:
	default:
		e.dropped.Add(1)
		e.metrics.recordDropped(ctx, f.kind.String())
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case f := <-e.queue:
			e.handle(f)
		case <-e.done:
			// 关闭前把已入队的处理完
			for {
				select {
				case f := <-e.queue:
					e.handle(f)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) handle(f feedback) {
	ctx, cancel := context.WithTimeout(context.Background(), e.fbTimeout)
	defer cancel()

	if f.activity != nil && e.activity != nil {
		e.activity.Observe(*f.activity)
	}
	switch f.kind {
	case feedbackClean:
		if e.rep == nil {
			return
		}
		if _, err := e.rep.RecordCleanRequest(ctx, f.user); err != nil {
			e.logger.Warn(ctx, "record clean request failed", slog.String("user", f.user), xlog.Err(err))
		}
	case feedbackViolation:
		if e.rep == nil {
			return
		}
		if _, err := e.rep.RecordViolation(ctx, f.user, f.severity, f.detail); err != nil {
			e.logger.Warn(ctx, "record violation failed", slog.String("user", f.user), xlog.Err(err))
		}
	case feedbackAlert:
		if err := e.sink.Publish(ctx, f.alert); err != nil {
			e.logger.Warn(ctx, "publish alert failed", xlog.Err(err))
		}
	}
}
