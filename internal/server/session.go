package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kiroku-app/kiroku/internal/dashboard"
	"github.com/kiroku-app/kiroku/internal/feed"
	"github.com/kiroku-app/kiroku/internal/ledger"
	"github.com/kiroku-app/kiroku/internal/model"
	kirosync "github.com/kiroku-app/kiroku/internal/sync"
)

// SessionStore is the storage surface a session needs: the coordinator's
// write operations plus the bulk reads used for initial load and refetch.
// *storage.DB satisfies it.
type SessionStore interface {
	kirosync.Store

	QueryLogs(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]model.LogEntry, error)
	QueryMilestones(ctx context.Context, userID uuid.UUID) ([]model.Milestone, error)
	QuerySkills(ctx context.Context, userID uuid.UUID) ([]model.Skill, error)
	QueryTargets(ctx context.Context, userID uuid.UUID) ([]model.TacticalTarget, error)
}

// Session is one user's live reconciliation state: ledger, feed routing,
// write coordination and view projection. All of the user's open browser
// tabs share the one session and converge through it.
type Session struct {
	UserID      uuid.UUID
	Ledger      *ledger.Ledger
	Coordinator *kirosync.Coordinator
	Projector   *dashboard.Projector

	store  SessionStore
	router *feed.Router
	logger *slog.Logger

	noticeMu   sync.RWMutex
	noticeSubs map[chan kirosync.Notice]struct{}
}

// WatchNotices registers a consumer for write-failure notices. Full
// consumers miss notices rather than block the write path.
func (s *Session) WatchNotices() (notices <-chan kirosync.Notice, cancel func()) {
	ch := make(chan kirosync.Notice, 8)
	s.noticeMu.Lock()
	s.noticeSubs[ch] = struct{}{}
	s.noticeMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.noticeMu.Lock()
			delete(s.noticeSubs, ch)
			close(ch)
			s.noticeMu.Unlock()
		})
	}
}

func (s *Session) broadcastNotice(n kirosync.Notice) {
	s.noticeMu.RLock()
	defer s.noticeMu.RUnlock()
	for ch := range s.noticeSubs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Refetch reloads all four tables from the store and full-replaces the
// ledger, collapsing any optimistic duplicates. The four queries run
// concurrently; the ledger is untouched unless all succeed.
func (s *Session) Refetch(ctx context.Context) error {
	var (
		logs       []model.LogEntry
		milestones []model.Milestone
		skills     []model.Skill
		targets    []model.TacticalTarget
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		if logs, err = s.store.QueryLogs(ctx, s.UserID, time.Time{}, 0); err != nil {
			return fmt.Errorf("server: refetch logs: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if milestones, err = s.store.QueryMilestones(ctx, s.UserID); err != nil {
			return fmt.Errorf("server: refetch milestones: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if skills, err = s.store.QuerySkills(ctx, s.UserID); err != nil {
			return fmt.Errorf("server: refetch skills: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if targets, err = s.store.QueryTargets(ctx, s.UserID); err != nil {
			return fmt.Errorf("server: refetch targets: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	s.Ledger.Merge(model.TableLogs, entitiesOf(logs), true)
	s.Ledger.Merge(model.TableMilestones, entitiesOf(milestones), true)
	s.Ledger.Merge(model.TableSkills, entitiesOf(skills), true)
	s.Ledger.Merge(model.TableTargets, entitiesOf(targets), true)
	return nil
}

func (s *Session) close() {
	s.router.Stop()
	s.Projector.Stop()
	s.Coordinator.Wait()

	s.noticeMu.Lock()
	for ch := range s.noticeSubs {
		close(ch)
	}
	s.noticeSubs = make(map[chan kirosync.Notice]struct{})
	s.noticeMu.Unlock()
}

func entitiesOf[E model.Entity](rows []E) []model.Entity {
	out := make([]model.Entity, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

// Sessions creates and owns per-user sessions.
type Sessions struct {
	store        SessionStore
	feed         feed.Feed
	logger       *slog.Logger
	deadline     time.Time
	tombstoneTTL time.Duration
	writeTimeout time.Duration

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// SessionsConfig holds the dependencies for a Sessions manager.
type SessionsConfig struct {
	Store        SessionStore
	Feed         feed.Feed
	Logger       *slog.Logger
	Deadline     time.Time
	TombstoneTTL time.Duration
	WriteTimeout time.Duration
}

// NewSessions creates the session manager.
func NewSessions(cfg SessionsConfig) *Sessions {
	return &Sessions{
		store:        cfg.Store,
		feed:         cfg.Feed,
		logger:       cfg.Logger,
		deadline:     cfg.Deadline,
		tombstoneTTL: cfg.TombstoneTTL,
		writeTimeout: cfg.WriteTimeout,
		sessions:     make(map[uuid.UUID]*Session),
	}
}

// Get returns the user's session, creating and loading it on first use.
// Creation subscribes to the change feed before the initial load so no
// change can fall between the snapshot and the stream.
func (m *Sessions) Get(ctx context.Context, userID uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[userID]; ok {
		return s, nil
	}

	logger := m.logger.With("user_id", userID.String())
	led := ledger.New(logger, ledger.WithTombstoneTTL(m.tombstoneTTL))

	s := &Session{
		UserID:     userID,
		Ledger:     led,
		store:      m.store,
		logger:     logger,
		noticeSubs: make(map[chan kirosync.Notice]struct{}),
	}
	s.Coordinator = kirosync.NewCoordinator(m.store, led, logger, userID,
		s.broadcastNotice, kirosync.WithWriteTimeout(m.writeTimeout))
	s.Projector = dashboard.NewProjector(led, logger, m.deadline)
	s.router = feed.NewRouter(m.feed, led, logger, userID)

	s.router.Start()
	if err := s.Refetch(ctx); err != nil {
		s.router.Stop()
		return nil, err
	}
	s.Projector.Start()

	m.sessions[userID] = s
	logger.Info("session opened")
	return s, nil
}

// Close tears down every session. In-flight store writes are waited for.
func (m *Sessions) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[uuid.UUID]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
