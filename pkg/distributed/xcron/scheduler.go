package xcron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/omeyang/xadmit/pkg/observability/xlog"
)

// ErrNilJob 任务函数为 nil。
var ErrNilJob = errors.New("xcron: job cannot be nil")

// JobID 任务标识。
type JobID = cron.EntryID

// JobFunc 任务函数。
type JobFunc func(ctx context.Context) error

// SchedulerOption 调度器选项。
type SchedulerOption func(*schedulerOptions)

type schedulerOptions struct {
	locker   Locker
	logger   xlog.Logger
	location *time.Location
	seconds  bool
}

// WithLocker 设置分布式锁，默认 NoopLocker。
func WithLocker(l Locker) SchedulerOption {
	return func(o *schedulerOptions) {
		if l != nil {
			o.locker = l
		}
	}
}

// WithLogger 设置日志器。
func WithLogger(l xlog.Logger) SchedulerOption {
	return func(o *schedulerOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLocation 设置时区，默认 UTC。
func WithLocation(loc *time.Location) SchedulerOption {
	return func(o *schedulerOptions) {
		if loc != nil {
			o.location = loc
		}
	}
}

// WithSeconds 启用 6 段（秒级）cron 表达式。
func WithSeconds() SchedulerOption {
	return func(o *schedulerOptions) { o.seconds = true }
}

// JobOption 任务选项。
type JobOption func(*jobOptions)

type jobOptions struct {
	name    string
	timeout time.Duration
	lockTTL time.Duration
}

// WithName 设置任务名；有名字的任务执行前按名字抢锁。
func WithName(name string) JobOption {
	return func(o *jobOptions) { o.name = name }
}

// WithTimeout 设置单次执行超时。
func WithTimeout(d time.Duration) JobOption {
	return func(o *jobOptions) { o.timeout = d }
}

// WithLockTTL 设置锁 TTL，默认 5 分钟。
func WithLockTTL(d time.Duration) JobOption {
	return func(o *jobOptions) { o.lockTTL = d }
}

// Scheduler 定时任务调度器。
type Scheduler struct {
	cron   *cron.Cron
	opts   *schedulerOptions
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建调度器。
func New(opts ...SchedulerOption) *Scheduler {
	o := &schedulerOptions{locker: NoopLocker(), logger: xlog.Nop(), location: time.UTC}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	fields := cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor
	if o.seconds {
		fields |= cron.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(o.location), cron.WithParser(cron.NewParser(fields))),
		opts:   o,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddFunc 按 cron 表达式注册任务。
func (s *Scheduler) AddFunc(spec string, fn JobFunc, opts ...JobOption) (JobID, error) {
	if fn == nil {
		return 0, ErrNilJob
	}
	jo := &jobOptions{lockTTL: 5 * time.Minute}
	for _, opt := range opts {
		if opt != nil {
			opt(jo)
		}
	}
	return s.cron.AddFunc(spec, func() { s.run(fn, jo) })
}

// Remove 移除任务。
func (s *Scheduler) Remove(id JobID) {
	s.cron.Remove(id)
}

// Start 启动调度（非阻塞）。
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop 停止调度，等待执行中的任务结束或 ctx 到期。
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 以服务形式运行调度器，ctx 取消时停止，可直接交给 xrun.Group。
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		return err
	}
	return ctx.Err()
}

// RunNow 立即执行一次（仍遵守锁与超时），返回任务是否真正执行。
func (s *Scheduler) RunNow(fn JobFunc, opts ...JobOption) bool {
	jo := &jobOptions{lockTTL: 5 * time.Minute}
	for _, opt := range opts {
		if opt != nil {
			opt(jo)
		}
	}
	return s.run(fn, jo)
}

func (s *Scheduler) run(fn JobFunc, jo *jobOptions) bool {
	ctx := s.ctx
	logger := s.opts.logger.With(slog.String("job", jo.name))

	if jo.name != "" {
		handle, err := s.opts.locker.TryLock(ctx, jo.name, jo.lockTTL)
		if err != nil {
			logger.Warn(ctx, "cron lock failed", xlog.Err(err))
			return false
		}
		if handle == nil {
			logger.Debug(ctx, "cron job skipped, lock held elsewhere")
			return false
		}
		defer func() {
			if err := handle.Unlock(context.WithoutCancel(ctx)); err != nil {
				logger.Warn(ctx, "cron unlock failed", xlog.Err(err))
			}
		}()
	}

	if jo.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, jo.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := fn(ctx); err != nil {
		logger.Error(ctx, "cron job failed", xlog.Err(err), slog.Duration("duration", time.Since(start)))
		return true
	}
	logger.Info(ctx, "cron job done", slog.Duration("duration", time.Since(start)))
	return true
}
