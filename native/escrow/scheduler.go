package escrow

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"tbc/core/events"
)

// Timer is the handle returned by an after-func. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// Scheduler arms per-escrow timers for commitment expiry, timed release and
// claim expiry. It subscribes to engine events as an events.Emitter. Timers
// only call the engine's guarded methods, so a timer that fires after the
// escrow resolved is a no-op and stopping timers early is just cleanup.
type Scheduler struct {
	engine    *Engine
	logger    *slog.Logger
	afterFunc func(time.Duration, func()) Timer

	mu      sync.Mutex
	ctx     context.Context
	timers  map[OrderID][]Timer
	stopped bool
}

// NewScheduler returns a scheduler bound to engine. A nil logger falls back to
// slog.Default.
func NewScheduler(engine *Engine, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine: engine,
		logger: logger,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		ctx:    context.Background(),
		timers: make(map[OrderID][]Timer),
	}
}

// SetAfterFunc overrides the timer factory. Intended for tests.
func (s *Scheduler) SetAfterFunc(fn func(time.Duration, func()) Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		fn = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	s.afterFunc = fn
}

// Emit implements events.Emitter.
func (s *Scheduler) Emit(evt events.Event) {
	payload, ok := EventPayload(evt)
	if !ok {
		return
	}
	id, err := ParseOrderID(payload.Attr("id"))
	if err != nil {
		return
	}
	switch payload.Type {
	case EventTypeEscrowCreated:
		if deadline := attrInt(payload.Attr("commitmentDeadline")); deadline > 0 {
			s.arm(id, deadline, s.expire)
		}
	case EventTypeEscrowCommitted:
		if at := attrInt(payload.Attr("releaseAt")); at > 0 {
			s.arm(id, at, s.release)
		}
		if deadline := attrInt(payload.Attr("claimDeadline")); deadline > 0 {
			s.arm(id, deadline, s.expire)
		}
	case EventTypeEscrowSettled, EventTypeEscrowCancelled, EventTypeEscrowExpired, EventTypeEscrowDisputed:
		s.cancel(id)
	}
}

func attrInt(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (s *Scheduler) arm(id OrderID, at int64, fire func(OrderID, int64)) {
	delay := time.Duration(at-s.engine.now()) * time.Second
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	t := s.afterFunc(delay, func() { fire(id, at) })
	s.timers[id] = append(s.timers[id], t)
}

func (s *Scheduler) cancel(id OrderID) {
	s.mu.Lock()
	timers := s.timers[id]
	delete(s.timers, id)
	s.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

// Pending reports how many timers are armed for id.
func (s *Scheduler) Pending(id OrderID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers[id])
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// fireTime is the later of the scheduled instant and the engine clock, so a
// timer that fires slightly early still crosses its own deadline.
func (s *Scheduler) fireTime(at int64) int64 {
	if now := s.engine.now(); now > at {
		return now
	}
	return at
}

func (s *Scheduler) expire(id OrderID, at int64) {
	expired, err := s.engine.TryExpire(id, s.fireTime(at))
	if err != nil {
		s.logger.Warn("escrow expiry failed", slog.String("id", id.String()), slog.Any("error", err))
		return
	}
	if expired {
		s.logger.Info("escrow expired", slog.String("id", id.String()))
	}
}

func (s *Scheduler) release(id OrderID, at int64) {
	receiptID, applied, err := s.engine.TimedRelease(s.context(), id, s.fireTime(at))
	if err != nil {
		s.logger.Warn("timed release failed", slog.String("id", id.String()), slog.Any("error", err))
		return
	}
	if applied {
		s.logger.Info("timed release applied", slog.String("id", id.String()), slog.String("receipt_id", receiptID))
	}
}

// Sweep checks every escrow against its windows at now. Run calls it
// periodically to cover escrows whose timers were lost, e.g. after a restart.
func (s *Scheduler) Sweep(ctx context.Context, now int64) {
	escrows, err := s.engine.List()
	if err != nil {
		s.logger.Warn("escrow sweep failed", slog.Any("error", err))
		return
	}
	for _, esc := range escrows {
		if esc.State.Terminal() || esc.State == StateDisputed {
			continue
		}
		if at := esc.ReleaseAt(); at > 0 && now >= at {
			_, applied, err := s.engine.TimedRelease(ctx, esc.OrderID, now)
			if err != nil {
				s.logger.Warn("timed release failed", slog.String("id", esc.OrderID.String()), slog.Any("error", err))
			}
			if applied || err != nil {
				continue
			}
		}
		if _, err := s.engine.TryExpire(esc.OrderID, now); err != nil {
			s.logger.Warn("escrow expiry failed", slog.String("id", esc.OrderID.String()), slog.Any("error", err))
		}
	}
}

// Run sweeps on every tick until ctx is cancelled, then stops all timers.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-ticker.C:
			s.Sweep(ctx, s.engine.now())
		}
	}
}

// Stop cancels every armed timer. Later events arm nothing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	all := s.timers
	s.timers = make(map[OrderID][]Timer)
	s.mu.Unlock()
	for _, timers := range all {
		for _, t := range timers {
			t.Stop()
		}
	}
}
