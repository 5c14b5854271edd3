// Package dashboard materializes the widget views: whenever the ledger
// changes, every derived aggregate is recomputed from the current snapshots
// and the result is pushed to watchers. Views hold no state of their own.
package dashboard

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kiroku-app/kiroku/internal/ledger"
	"github.com/kiroku-app/kiroku/internal/metrics"
	"github.com/kiroku-app/kiroku/internal/model"
	"github.com/kiroku-app/kiroku/internal/telemetry"
)

// View is one complete dashboard frame. Watchers always receive a full
// frame; there are no incremental view deltas.
type View struct {
	GeneratedAt time.Time                  `json:"generated_at"`
	Logs        []model.LogEntry           `json:"logs"`
	Milestones  []model.Milestone          `json:"milestones"`
	Targets     []model.TacticalTarget     `json:"targets"`
	Skills      []metrics.CategoryProgress `json:"skills"`
	Heatmap     [][]int                    `json:"heatmap"`
	Roadmap     metrics.Roadmap            `json:"roadmap"`
	Countdown   metrics.Countdown          `json:"countdown"`
}

// Projector recomputes the dashboard on every ledger change and fans the
// frames out to watchers. Slow watchers only ever lag by one frame: each
// watcher channel holds the latest view, older frames are discarded.
type Projector struct {
	ledger   *ledger.Ledger
	logger   *slog.Logger
	deadline time.Time
	now      func() time.Time

	mu       sync.RWMutex
	watchers map[chan View]struct{}
	unsub    func()

	frames atomic.Int64
}

// Option configures a Projector.
type Option func(*Projector)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(p *Projector) { p.now = now }
}

// NewProjector builds a projector against led. deadline is the campaign
// end used for the countdown widget.
func NewProjector(led *ledger.Ledger, logger *slog.Logger, deadline time.Time, opts ...Option) *Projector {
	p := &Projector{
		ledger:   led,
		logger:   logger,
		deadline: deadline,
		now:      time.Now,
		watchers: make(map[chan View]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start subscribes to ledger change notifications. Safe to call once.
func (p *Projector) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsub != nil {
		return
	}
	p.unsub = p.ledger.Subscribe(func(model.Table) {
		p.publish(p.Compute())
	})
}

// Stop detaches from the ledger and closes all watcher channels.
func (p *Projector) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsub != nil {
		p.unsub()
		p.unsub = nil
	}
	for ch := range p.watchers {
		close(ch)
	}
	p.watchers = make(map[chan View]struct{})
}

// Watch registers a view consumer. The channel immediately carries the
// current frame so a new watcher never starts blank. cancel releases the
// watcher; the channel is closed afterwards.
func (p *Projector) Watch() (views <-chan View, cancel func()) {
	ch := make(chan View, 1)
	ch <- p.Compute()

	p.mu.Lock()
	p.watchers[ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			if _, ok := p.watchers[ch]; ok {
				delete(p.watchers, ch)
				close(ch)
			}
			p.mu.Unlock()
		})
	}
}

// Compute builds a full frame from the current ledger snapshots. Pure
// reads; no I/O.
func (p *Projector) Compute() View {
	now := p.now()
	logs := logsOf(p.ledger.Snapshot(model.TableLogs))
	milestones := milestonesOf(p.ledger.Snapshot(model.TableMilestones))
	skills := skillsOf(p.ledger.Snapshot(model.TableSkills))
	targets := targetsOf(p.ledger.Snapshot(model.TableTargets))

	return View{
		GeneratedAt: now,
		Logs:        logs,
		Milestones:  milestones,
		Targets:     targets,
		Skills:      metrics.SkillProgress(logs, skills),
		Heatmap:     metrics.Heatmap(logs, now),
		Roadmap:     metrics.GroupRoadmap(milestones),
		Countdown:   metrics.TimeToDeadline(p.deadline, now),
	}
}

// publish delivers v to every watcher, replacing any undelivered older
// frame. Never blocks on a slow consumer.
func (p *Projector) publish(v View) {
	p.frames.Add(1)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for ch := range p.watchers {
		select {
		case ch <- v:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// RegisterMetrics registers an observable OTEL counter for published
// frames. Call after the global meter provider has been initialized.
func (p *Projector) RegisterMetrics() {
	meter := telemetry.Meter("kiroku/dashboard")

	_, _ = meter.Int64ObservableCounter("kiroku.dashboard.frames_total",
		metric.WithDescription("Total dashboard frames published to watchers"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.frames.Load())
			return nil
		}),
	)
}

func logsOf(entities []model.Entity) []model.LogEntry {
	out := make([]model.LogEntry, 0, len(entities))
	for _, e := range entities {
		if l, ok := e.(model.LogEntry); ok {
			out = append(out, l)
		}
	}
	return out
}

func milestonesOf(entities []model.Entity) []model.Milestone {
	out := make([]model.Milestone, 0, len(entities))
	for _, e := range entities {
		if m, ok := e.(model.Milestone); ok {
			out = append(out, m)
		}
	}
	return out
}

func skillsOf(entities []model.Entity) []model.Skill {
	out := make([]model.Skill, 0, len(entities))
	for _, e := range entities {
		if s, ok := e.(model.Skill); ok {
			out = append(out, s)
		}
	}
	return out
}

func targetsOf(entities []model.Entity) []model.TacticalTarget {
	out := make([]model.TacticalTarget, 0, len(entities))
	for _, e := range entities {
		if t, ok := e.(model.TacticalTarget); ok {
			out = append(out, t)
		}
	}
	return out
}
