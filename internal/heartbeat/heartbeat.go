// Package heartbeat drives the scheduler on a fixed cadence: a ticker that
// alternates dedupe+assess and execute phases, sweeps stale worktrees
// periodically, and never lets one phase's failure take down the beat.
package heartbeat

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajfrai/agent-queue/internal/eventbus"
	"github.com/ajfrai/agent-queue/internal/metrics"
	"github.com/ajfrai/agent-queue/internal/ratelimit"
	"github.com/ajfrai/agent-queue/internal/scheduler"
	"github.com/ajfrai/agent-queue/internal/store"
)

const defaultInterval = 60 * time.Second
const gcEveryNBeats = 10
const defaultAssessBatchSize = 10

// Diagnostics is the payload returned by Trigger and emitted with every
// heartbeat.tick event.
type Diagnostics struct {
	Beat           int64             `json:"beat"`
	RateLimit      ratelimit.Result  `json:"rate_limit"`
	Deduped        int               `json:"deduped,omitempty"`
	Assessed       int               `json:"assessed,omitempty"`
	Executed       int               `json:"executed,omitempty"`
	Reconciled     int               `json:"reconciled,omitempty"`
	RanGC          bool              `json:"ran_gc"`
	Phase          string            `json:"phase"`
	Errors         map[string]string `json:"errors,omitempty"`
	DurationMillis int64             `json:"duration_ms"`
}

// Heartbeat drives Scheduler on a fixed cadence.
type Heartbeat struct {
	scheduler       *scheduler.Scheduler
	probe           *ratelimit.Probe
	bus             *eventbus.Bus
	store           *store.Store
	metrics         *metrics.Metrics
	logger          zerolog.Logger
	interval        time.Duration
	maxConcurrent   int
	assessBatchSize int

	mu      sync.Mutex
	running bool
	beat    int64

	stop chan struct{}
	done chan struct{}
}

// Config bundles Heartbeat's dependencies and tunables.
type Config struct {
	Scheduler       *scheduler.Scheduler
	Probe           *ratelimit.Probe
	Bus             *eventbus.Bus
	Store           *store.Store
	Metrics         *metrics.Metrics // optional; nil disables metric recording
	Logger          zerolog.Logger
	Interval        time.Duration // 0 = defaultInterval
	MaxConcurrent   int
	AssessBatchSize int // 0 = defaultAssessBatchSize
}

// New builds a Heartbeat.
func New(cfg Config) *Heartbeat {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	batchSize := cfg.AssessBatchSize
	if batchSize == 0 {
		batchSize = defaultAssessBatchSize
	}
	return &Heartbeat{
		scheduler:       cfg.Scheduler,
		probe:           cfg.Probe,
		bus:             cfg.Bus,
		store:           cfg.Store,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger.With().Str("component", "heartbeat").Logger(),
		interval:        interval,
		maxConcurrent:   cfg.MaxConcurrent,
		assessBatchSize: batchSize,
	}
}

// Start launches the beat loop in a background goroutine. It returns
// immediately; call Stop to halt it.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("heartbeat: already running")
	}
	h.running = true
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	h.mu.Unlock()

	go h.run(ctx)
	return nil
}

// Stop halts the beat loop and waits for the in-flight beat, if any, to
// finish.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	stop := h.stop
	done := h.done
	h.mu.Unlock()

	close(stop)
	<-done
}

func (h *Heartbeat) run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		close(h.done)
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Trigger(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.Trigger(ctx)
		}
	}
}

// Trigger runs exactly one beat synchronously and returns its diagnostics,
// for both the internal ticker loop and a manual HTTP-triggered beat.
func (h *Heartbeat) Trigger(ctx context.Context) Diagnostics {
	start := time.Now()

	h.mu.Lock()
	h.beat++
	beat := h.beat
	h.mu.Unlock()

	phase := "execute"
	if beat%2 == 1 {
		phase = "assess"
	}
	diag := Diagnostics{Beat: beat, Phase: phase, Errors: map[string]string{}}

	result := h.probe.Check()
	diag.RateLimit = result
	if err := h.store.SaveRateLimitSnapshot(&store.RateLimitSnapshot{
		Tier:      result.Tier,
		Used:      result.Used,
		Limit:     result.Limit,
		Percent:   result.Percent,
		IsLimited: result.IsLimited,
		ResetAt:   result.ResetAt,
		Raw:       result.Raw,
	}); err != nil {
		h.logger.Warn().Err(err).Msg("failed to cache rate limit snapshot")
	}

	h.emit("heartbeat.tick", diag)

	limited := result.IsLimited
	if limited {
		h.emit("heartbeat.rate_limited", diag)
		if h.metrics != nil {
			h.metrics.RecordRateLimitHit()
		}
	}

	switch {
	case limited:
		// assess/execute pause until the limit clears; GC below still runs.
	case beat%2 == 1:
		h.runPhase(&diag, "dedupe", func() error {
			n, err := h.scheduler.DedupeTasks(ctx)
			diag.Deduped = n
			return err
		})
		h.runPhase(&diag, "assess", func() error {
			n, err := h.scheduler.AssessBatch(ctx, h.assessBatchSize)
			diag.Assessed = n
			return err
		})
	default:
		h.runPhase(&diag, "execute", func() error {
			n, err := h.scheduler.ExecuteNextTasks(ctx, h.maxConcurrent)
			diag.Executed = n
			return err
		})
	}

	if beat%gcEveryNBeats == 0 {
		diag.RanGC = true
		h.runPhase(&diag, "reconcile_orphaned_sessions", func() error {
			n, err := h.scheduler.ReconcileOrphanedSessions(ctx)
			diag.Reconciled = n
			return err
		})
		h.runPhase(&diag, "cleanup_stale_worktrees", func() error {
			return h.scheduler.CleanupStaleWorktrees(ctx)
		})
	}

	if len(diag.Errors) == 0 {
		diag.Errors = nil
	}
	elapsed := time.Since(start)
	diag.DurationMillis = elapsed.Milliseconds()
	if h.metrics != nil {
		h.metrics.RecordBeat(diag.Phase, elapsed.Seconds())
		h.metrics.RecordTasksAssessed(diag.Assessed)
		h.metrics.RecordTasksExecuted(diag.Executed)
	}
	return diag
}

// runPhase isolates one phase action: a failure or panic is logged, emitted
// as heartbeat.error with a phase tag, and recorded in diag, but never
// propagated — the beat always completes.
func (h *Heartbeat) runPhase(diag *Diagnostics, phase string, action func() error) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Sprintf("panic: %v", r)
			h.logger.Error().Str("phase", phase).Int64("beat", diag.Beat).Str("panic", err).Msg("heartbeat phase panicked")
			diag.Errors[phase] = err
			h.emit("heartbeat.error", map[string]interface{}{
				"beat": diag.Beat, "phase": phase, "error": err, "stack": string(debug.Stack()),
			})
		}
	}()

	if err := action(); err != nil {
		h.logger.Error().Err(err).Str("phase", phase).Int64("beat", diag.Beat).Msg("heartbeat phase failed")
		diag.Errors[phase] = err.Error()
		h.emit("heartbeat.error", map[string]interface{}{
			"beat": diag.Beat, "phase": phase, "error": err.Error(),
		})
	}
}

func (h *Heartbeat) emit(eventType string, payload interface{}) {
	asMap, ok := payload.(map[string]interface{})
	if !ok {
		asMap = diagnosticsToMap(payload.(Diagnostics))
	}
	if _, err := h.bus.Publish(eventType, "heartbeat", "", asMap); err != nil {
		h.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to publish heartbeat event")
	}
}

func diagnosticsToMap(d Diagnostics) map[string]interface{} {
	return map[string]interface{}{
		"beat":       d.Beat,
		"phase":      d.Phase,
		"rate_limit": d.RateLimit,
		"deduped":    d.Deduped,
		"assessed":   d.Assessed,
		"executed":   d.Executed,
		"reconciled": d.Reconciled,
		"ran_gc":     d.RanGC,
		"errors":     d.Errors,
	}
}

// BeatCount returns the number of beats run so far.
func (h *Heartbeat) BeatCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.beat
}
