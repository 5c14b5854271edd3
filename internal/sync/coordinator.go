// Package sync implements the optimistic write coordinator: mutations land
// in the ledger immediately for instant feedback, then settle against the
// durable store in the background. The change feed independently delivers
// the authoritative rows, so the coordinator never reconciles ids itself.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kiroku-app/kiroku/internal/ledger"
	"github.com/kiroku-app/kiroku/internal/model"
	"github.com/kiroku-app/kiroku/internal/storage"
)

const (
	defaultWriteTimeout = 10 * time.Second
	writeRetries        = 2
	writeRetryDelay     = 100 * time.Millisecond
)

// Store is the durable-store surface the coordinator writes through.
// *storage.DB satisfies it.
type Store interface {
	InsertLog(ctx context.Context, userID uuid.UUID, entry model.LogEntry) (model.LogEntry, error)
	DeleteLog(ctx context.Context, userID, id uuid.UUID) error
	InsertMilestone(ctx context.Context, userID uuid.UUID, m model.Milestone) (model.Milestone, error)
	UpdateMilestone(ctx context.Context, userID uuid.UUID, m model.Milestone) error
	DeleteMilestone(ctx context.Context, userID, id uuid.UUID) error
	InsertSkill(ctx context.Context, userID uuid.UUID, s model.Skill) (model.Skill, error)
	UpdateSkillTarget(ctx context.Context, userID, id uuid.UUID, target float64) error
	UpsertTarget(ctx context.Context, userID uuid.UUID, t model.TacticalTarget) error
	DeleteTarget(ctx context.Context, userID uuid.UUID, date model.Date) error
}

// Coordinator applies user mutations optimistically and settles them
// against the store. Write failures never roll the ledger back; they are
// reported through the notifier and the next full refetch repairs state.
type Coordinator struct {
	store    Store
	ledger   *ledger.Ledger
	logger   *slog.Logger
	userID   uuid.UUID
	validate *validator.Validate
	notify   Notifier

	timeout time.Duration
	newID   func() uuid.UUID
	now     func() time.Time

	wg gosync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDSource overrides optimistic id generation.
func WithIDSource(newID func() uuid.UUID) Option {
	return func(c *Coordinator) { c.newID = newID }
}

// WithWriteTimeout bounds each background store call.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// NewCoordinator builds a coordinator for one user's session. notify may be
// nil, in which case failures are only logged.
func NewCoordinator(store Store, led *ledger.Ledger, logger *slog.Logger, userID uuid.UUID, notify Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		ledger:   led,
		logger:   logger,
		userID:   userID,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		notify:   notify,
		timeout:  defaultWriteTimeout,
		newID:    uuid.New,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wait blocks until all in-flight store writes have settled. Called on
// session shutdown.
func (c *Coordinator) Wait() { c.wg.Wait() }

// CreateLogInput is a new activity record as entered by the user.
type CreateLogInput struct {
	Category        model.FocusCategory `json:"focus_category" validate:"required"`
	Description     string              `json:"description" validate:"required,max=2000"`
	DurationMinutes int                 `json:"duration_minutes" validate:"required,gt=0,lte=1440"`
	MoodScore       int                 `json:"mood_score" validate:"required,gte=1,lte=5"`
}

// CreateLog computes xp locally, applies the entry under a fresh client id,
// and inserts it in the background. The returned entry carries the
// optimistic id; the authoritative row arrives later via the change feed
// under the server's id.
func (c *Coordinator) CreateLog(in CreateLogInput) (model.LogEntry, error) {
	if err := c.validate.Struct(in); err != nil {
		return model.LogEntry{}, err
	}
	if !in.Category.Valid() {
		return model.LogEntry{}, fmt.Errorf("%w: unknown focus category %q", ErrInvalid, in.Category)
	}

	entry := model.LogEntry{
		ID:              c.newID(),
		CreatedAt:       c.now().UTC(),
		Category:        in.Category,
		Description:     in.Description,
		DurationMinutes: in.DurationMinutes,
		MoodScore:       in.MoodScore,
		XPValue:         model.XP(in.DurationMinutes, in.MoodScore),
	}
	c.ledger.Upsert(model.TableLogs, entry)

	c.dispatch("create_log", func(ctx context.Context) error {
		_, err := c.store.InsertLog(ctx, c.userID, entry)
		return err
	})
	return entry, nil
}

// DeleteLog removes the entry from the ledger immediately, tombstoning the
// id so the feed's delete echo lands on nothing, then deletes server-side.
func (c *Coordinator) DeleteLog(id uuid.UUID) {
	c.ledger.Remove(model.TableLogs, id.String())
	c.dispatch("delete_log", func(ctx context.Context) error {
		return c.store.DeleteLog(ctx, c.userID, id)
	})
}

// CreateMilestoneInput is a new roadmap node.
type CreateMilestoneInput struct {
	Title      string                `json:"title" validate:"required,max=200"`
	TargetDate model.Date            `json:"target_date"`
	Status     model.MilestoneStatus `json:"status"`
	Position   int                   `json:"position" validate:"gte=0"`
}

// CreateMilestone applies the milestone optimistically and inserts it in
// the background. An empty status defaults to Pending.
func (c *Coordinator) CreateMilestone(in CreateMilestoneInput) (model.Milestone, error) {
	if err := c.validate.Struct(in); err != nil {
		return model.Milestone{}, err
	}
	if in.Status == "" {
		in.Status = model.MilestonePending
	}
	if !in.Status.Valid() {
		return model.Milestone{}, fmt.Errorf("%w: unknown milestone status %q", ErrInvalid, in.Status)
	}

	m := model.Milestone{
		ID:         c.newID(),
		Title:      in.Title,
		TargetDate: in.TargetDate,
		Status:     in.Status,
		Position:   in.Position,
	}
	c.ledger.Upsert(model.TableMilestones, m)

	c.dispatch("create_milestone", func(ctx context.Context) error {
		_, err := c.store.InsertMilestone(ctx, c.userID, m)
		return err
	})
	return m, nil
}

// UpdateMilestone replaces the full milestone row, optimistically first.
func (c *Coordinator) UpdateMilestone(m model.Milestone) error {
	if m.ID == uuid.Nil {
		return fmt.Errorf("%w: milestone id required", ErrInvalid)
	}
	if m.Title == "" || !m.Status.Valid() || m.Position < 0 {
		return fmt.Errorf("%w: malformed milestone", ErrInvalid)
	}

	c.ledger.Upsert(model.TableMilestones, m)
	c.dispatch("update_milestone", func(ctx context.Context) error {
		return c.store.UpdateMilestone(ctx, c.userID, m)
	})
	return nil
}

// DeleteMilestone removes and tombstones the milestone, then deletes it
// server-side.
func (c *Coordinator) DeleteMilestone(id uuid.UUID) {
	c.ledger.Remove(model.TableMilestones, id.String())
	c.dispatch("delete_milestone", func(ctx context.Context) error {
		return c.store.DeleteMilestone(ctx, c.userID, id)
	})
}

// CreateSkillInput registers a target for a focus category.
type CreateSkillInput struct {
	Category    model.FocusCategory `json:"category" validate:"required"`
	TargetScore float64             `json:"target_score" validate:"gte=0"`
}

// CreateSkill applies the skill optimistically and inserts it in the
// background. A duplicate category surfaces as a conflict notice; the
// caller should calibrate the existing skill instead.
func (c *Coordinator) CreateSkill(in CreateSkillInput) (model.Skill, error) {
	if err := c.validate.Struct(in); err != nil {
		return model.Skill{}, err
	}
	if !in.Category.Valid() {
		return model.Skill{}, fmt.Errorf("%w: unknown focus category %q", ErrInvalid, in.Category)
	}
	if in.TargetScore == 0 {
		in.TargetScore = model.DefaultTargetScore
	}

	s := model.Skill{
		ID:          c.newID(),
		Category:    in.Category,
		TargetScore: in.TargetScore,
	}
	c.ledger.Upsert(model.TableSkills, s)

	c.dispatch("create_skill", func(ctx context.Context) error {
		_, err := c.store.InsertSkill(ctx, c.userID, s)
		return err
	})
	return s, nil
}

// CalibrateSkill adjusts a skill's target score. The ledger copy, if
// present, is updated in place before the store call goes out.
func (c *Coordinator) CalibrateSkill(id uuid.UUID, target float64) error {
	if target <= 0 {
		return fmt.Errorf("%w: target score must be positive", ErrInvalid)
	}

	for _, e := range c.ledger.Snapshot(model.TableSkills) {
		s, ok := e.(model.Skill)
		if !ok || s.ID != id {
			continue
		}
		s.TargetScore = target
		c.ledger.Upsert(model.TableSkills, s)
		break
	}

	c.dispatch("calibrate_skill", func(ctx context.Context) error {
		return c.store.UpdateSkillTarget(ctx, c.userID, id, target)
	})
	return nil
}

// UpsertTargetInput sets the note for one calendar date.
type UpsertTargetInput struct {
	Date model.Date       `json:"target_date"`
	Text string           `json:"target_text" validate:"required,max=500"`
	Type model.TargetType `json:"target_type"`
}

// UpsertTarget applies the tactical target optimistically and writes it
// through. An empty type defaults to normal.
func (c *Coordinator) UpsertTarget(in UpsertTargetInput) (model.TacticalTarget, error) {
	if err := c.validate.Struct(in); err != nil {
		return model.TacticalTarget{}, err
	}
	if in.Date.IsZero() {
		return model.TacticalTarget{}, fmt.Errorf("%w: target date required", ErrInvalid)
	}
	if in.Type == "" {
		in.Type = model.TargetNormal
	}
	if !in.Type.Valid() {
		return model.TacticalTarget{}, fmt.Errorf("%w: unknown target type %q", ErrInvalid, in.Type)
	}

	t := model.TacticalTarget{Date: in.Date, Text: in.Text, Type: in.Type}
	c.ledger.Upsert(model.TableTargets, t)

	c.dispatch("upsert_target", func(ctx context.Context) error {
		return c.store.UpsertTarget(ctx, c.userID, t)
	})
	return t, nil
}

// DeleteTarget removes and tombstones the date's target, then deletes it
// server-side.
func (c *Coordinator) DeleteTarget(date model.Date) {
	c.ledger.Remove(model.TableTargets, date.String())
	c.dispatch("delete_target", func(ctx context.Context) error {
		return c.store.DeleteTarget(ctx, c.userID, date)
	})
}

// dispatch runs a store write in the background. The write gets its own
// deadline so a canceled request context cannot abort a mutation the
// ledger already shows.
func (c *Coordinator) dispatch(op string, fn func(context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		err := storage.WithRetry(ctx, writeRetries, writeRetryDelay, func() error {
			return fn(ctx)
		})
		if err == nil {
			return
		}

		kind := Classify(err)
		c.logger.Warn("sync: write failed", "op", op, "kind", string(kind), "error", err)
		if c.notify != nil {
			c.notify(Notice{Op: op, Kind: kind, Err: err})
		}
	}()
}
