// Package refreshsched is C8, the token refresh scheduler: a background
// delay-queue task that drives C7 using C6's schedules, retrying with
// backoff and re-registering reactively as sessions become Authorized
// (spec §4.5, §5).
package refreshsched

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wisbric/aiproxy/internal/oauthrefresh"
	"github.com/wisbric/aiproxy/internal/oauthsession"
	"github.com/wisbric/aiproxy/internal/store"
)

// Constants from spec §4.5.
const (
	RetryInterval    = 60 * time.Second
	MaxRetryAttempts = 3
)

// ProviderLookup resolves the OAuth flow config and provider kind needed to
// actually refresh a session, keyed by the session's qualified
// provider_name ("type:flow").
type ProviderLookup interface {
	LookupFlow(providerName string) (store.OAuthFlowConfig, oauthrefresh.ProviderKind, bool)
}

// schedEntry is one row of the delay queue.
type schedEntry struct {
	sessionID string
	at        time.Time
	index     int
}

type schedQueue []*schedEntry

func (q schedQueue) Len() int            { return len(q) }
func (q schedQueue) Less(i, j int) bool  { return q[i].at.Before(q[j].at) }
func (q schedQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index, q[j].index = i, j }
func (q *schedQueue) Push(x any)         { e := x.(*schedEntry); e.index = len(*q); *q = append(*q, e) }
func (q *schedQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// Scheduler owns the delay queue and the session-id index (spec §5:
// "Scheduler's delay-queue and session-id map: owned by the scheduler
// task; external mutators communicate via the command channel only").
type Scheduler struct {
	sessions *oauthsession.Service
	executor *oauthrefresh.Executor
	lookup   ProviderLookup
	logger   *slog.Logger

	mu      sync.Mutex
	queue   schedQueue
	byID    map[string]*schedEntry

	commands chan command
	wake     chan struct{}
}

type commandKind int

const (
	cmdAdd commandKind = iota
	cmdRemove
	cmdExecuteNow
)

type command struct {
	kind      commandKind
	sessionID string
	at        time.Time
}

// New builds a Scheduler.
func New(sessions *oauthsession.Service, executor *oauthrefresh.Executor, lookup ProviderLookup, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sessions: sessions,
		executor: executor,
		lookup:   lookup,
		logger:   logger,
		byID:     make(map[string]*schedEntry),
		commands: make(chan command, 64),
		wake:     make(chan struct{}, 1),
	}
}

// Add enqueues or reschedules a session's next refresh, the reactive
// registration path used when a new OAuth session becomes Authorized
// (spec §4.5: "a command channel carries {Add(schedule), Remove(id)}").
func (s *Scheduler) Add(sessionID string, at time.Time) {
	s.commands <- command{kind: cmdAdd, sessionID: sessionID, at: at}
}

// Remove cancels a session's scheduled refresh.
func (s *Scheduler) Remove(sessionID string) {
	s.commands <- command{kind: cmdRemove, sessionID: sessionID}
}

// ExecuteNow forces an immediate refresh attempt, bypassing the schedule.
func (s *Scheduler) ExecuteNow(sessionID string) {
	s.commands <- command{kind: cmdExecuteNow, sessionID: sessionID}
}

// Run seeds the queue from C6's authorized sessions and then drives the
// delay queue until ctx is cancelled (spec §4.5: "On startup, the scheduler
// calls C6 to enumerate authorized sessions and inserts schedules").
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.seed(ctx); err != nil {
		s.logger.Error("refresh scheduler: seeding from authorized sessions failed", "error", err)
	}

	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd := <-s.commands:
			s.applyCommand(cmd)
			resetTimer(timer, s.nextDelay())

		case <-timer.C:
			s.runDue(ctx)
			resetTimer(timer, s.nextDelay())
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (s *Scheduler) seed(ctx context.Context) error {
	ids, err := s.sessions.ListAuthorized(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.insertLocked(id, now)
	}
	return nil
}

func (s *Scheduler) applyCommand(cmd command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.kind {
	case cmdAdd:
		s.insertLocked(cmd.sessionID, cmd.at)
	case cmdRemove:
		s.removeLocked(cmd.sessionID)
	case cmdExecuteNow:
		s.insertLocked(cmd.sessionID, time.Now())
	}
}

func (s *Scheduler) insertLocked(sessionID string, at time.Time) {
	if e, ok := s.byID[sessionID]; ok {
		e.at = at
		heap.Fix(&s.queue, e.index)
		return
	}
	e := &schedEntry{sessionID: sessionID, at: at}
	heap.Push(&s.queue, e)
	s.byID[sessionID] = e
}

func (s *Scheduler) removeLocked(sessionID string) {
	e, ok := s.byID[sessionID]
	if !ok {
		return
	}
	heap.Remove(&s.queue, e.index)
	delete(s.byID, sessionID)
}

func (s *Scheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return RetryInterval
	}
	d := time.Until(s.queue[0].at)
	if d < 0 {
		d = 0
	}
	return d
}

// runDue pops and executes every entry whose time has come.
func (s *Scheduler) runDue(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].at.After(time.Now()) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.queue).(*schedEntry)
		delete(s.byID, e.sessionID)
		s.mu.Unlock()

		s.execute(ctx, e.sessionID)
	}
}

func (s *Scheduler) execute(ctx context.Context, sessionID string) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		s.logger.Warn("refresh scheduler: session vanished, dropping schedule", "session_id", sessionID, "error", err)
		return
	}
	if sess.Status != store.SessionAuthorized {
		return
	}

	flow, kind, ok := s.lookup.LookupFlow(sess.ProviderName)
	if !ok {
		s.logger.Error("refresh scheduler: no flow config for provider", "provider_name", sess.ProviderName)
		return
	}

	refreshed, err := s.executor.Refresh(ctx, sessionID, flow, kind)
	if err != nil {
		s.handleFailure(sessionID, sess, err)
		return
	}

	s.mu.Lock()
	s.insertLocked(sessionID, refreshed.ExpiresAt.Add(-oauthsession.RefreshLeadTime))
	s.mu.Unlock()
}

func (s *Scheduler) handleFailure(sessionID string, sess *store.OAuthSession, err error) {
	if sess.Attempts+1 >= MaxRetryAttempts {
		s.logger.Error("refresh scheduler: session exceeded max retry attempts, dropping schedule", "session_id", sessionID, "attempts", sess.Attempts+1, "error", err)
		return
	}

	// spec §4.5 specifies a fixed retry backoff of RetryInterval rather than
	// exponential growth; the exponential backoff type is configured with
	// matching min/max, multiplier 1 and no randomization so NextBackOff
	// degenerates to a constant interval.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = RetryInterval
	bo.MaxInterval = RetryInterval
	bo.Multiplier = 1
	bo.RandomizationFactor = 0
	delay := bo.NextBackOff()
	if delay <= 0 {
		delay = RetryInterval
	}
	s.logger.Warn("refresh scheduler: refresh failed, retrying", "session_id", sessionID, "delay", delay, "error", err)

	s.mu.Lock()
	s.insertLocked(sessionID, time.Now().Add(delay))
	s.mu.Unlock()
}
