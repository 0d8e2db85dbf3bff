// Package session tracks live user sessions and their hub subscriptions.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"strategy-daemon/internal/hub"
)

// ErrNoSession is returned for operations on an unknown user.
var ErrNoSession = errors.New("session: not found")

const (
	DefaultIdleTTL       = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	subscriptionBuffer   = 16
)

// HubProvider resolves the shared hub for a timeframe.
type HubProvider interface {
	GetOrCreate(ctx context.Context, timeframe string) (*hub.Hub, error)
}

// Callback receives hub updates for one subscription, in arrival order.
type Callback func(hub.Update)

type subscription struct {
	unsub func()
	done  chan struct{}
}

type session struct {
	userID       string
	primary      string
	createdAt    time.Time
	lastActivity time.Time
	subs         map[string]*subscription
}

// Info is a read-only copy of a session.
type Info struct {
	UserID           string    `json:"userId"`
	PrimaryTimeframe string    `json:"primaryTimeframe"`
	Timeframes       []string  `json:"timeframes"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivity     time.Time `json:"lastActivity"`
}

// Registry multiplexes hub broadcasts to per-user callbacks.
type Registry struct {
	hubs   HubProvider
	logger *zap.Logger

	idleTTL       time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewRegistry builds a registry; zero durations fall back to 30m idle / 5m sweep.
func NewRegistry(hubs HubProvider, logger *zap.Logger, idleTTL, sweepInterval time.Duration) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Registry{
		hubs:          hubs,
		logger:        logger.Named("session"),
		idleTTL:       idleTTL,
		sweepInterval: sweepInterval,
		now:           time.Now,
		sessions:      make(map[string]*session),
	}
}

// CreateSession registers a user. Re-creating an existing session only
// refreshes its primary timeframe and activity.
func (r *Registry) CreateSession(userID, primaryTimeframe string) Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s, ok := r.sessions[userID]
	if !ok {
		s = &session{userID: userID, createdAt: now, subs: make(map[string]*subscription)}
		r.sessions[userID] = s
		r.logger.Debug("session created", zap.String("user", userID), zap.String("timeframe", primaryTimeframe))
	}
	s.primary = primaryTimeframe
	s.lastActivity = now
	return s.info()
}

// SubscribeToTimeframe attaches cb to the timeframe hub. Subscribing twice to
// the same timeframe is a logged no-op.
func (r *Registry) SubscribeToTimeframe(ctx context.Context, userID, timeframe string, cb Callback) error {
	if r.subscribed(userID, timeframe) {
		r.logger.Debug("duplicate subscribe ignored", zap.String("user", userID), zap.String("timeframe", timeframe))
		return nil
	}
	if _, ok := r.Session(userID); !ok {
		return ErrNoSession
	}

	// Resolve the hub outside the lock; first access may backfill over the network.
	h, err := r.hubs.GetOrCreate(ctx, timeframe)
	if err != nil {
		return err
	}
	updates, unsub := h.Subscribe(subscriptionBuffer)

	r.mu.Lock()
	s, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		unsub()
		return ErrNoSession
	}
	if _, dup := s.subs[timeframe]; dup {
		r.mu.Unlock()
		unsub()
		r.logger.Debug("duplicate subscribe ignored", zap.String("user", userID), zap.String("timeframe", timeframe))
		return nil
	}
	sub := &subscription{unsub: unsub, done: make(chan struct{})}
	s.subs[timeframe] = sub
	s.lastActivity = r.now()
	r.mu.Unlock()

	go func() {
		defer close(sub.done)
		for u := range updates {
			cb(u)
		}
	}()
	return nil
}

// UnsubscribeFromTimeframe detaches the user from one hub; the hub keeps running.
func (r *Registry) UnsubscribeFromTimeframe(userID, timeframe string) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	var sub *subscription
	if ok {
		sub = s.subs[timeframe]
		delete(s.subs, timeframe)
	}
	r.mu.Unlock()

	if sub != nil {
		sub.unsub()
	}
}

// DestroySession unsubscribes every hub and forgets the user.
func (r *Registry) DestroySession(userID string) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, sub := range s.subs {
		sub.unsub()
	}
	r.logger.Debug("session destroyed", zap.String("user", userID))
}

// Touch marks user activity.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok {
		s.lastActivity = r.now()
	}
}

// SetPrimaryTimeframe switches the timeframe the user's state push follows.
func (r *Registry) SetPrimaryTimeframe(userID, timeframe string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok {
		return ErrNoSession
	}
	s.primary = timeframe
	s.lastActivity = r.now()
	return nil
}

// Session returns a copy of the user's session.
func (r *Registry) Session(userID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Count returns live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SweepIdle destroys sessions idle longer than the TTL and returns how many.
func (r *Registry) SweepIdle() int {
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	var idle []*session
	for id, s := range r.sessions {
		if s.lastActivity.Before(cutoff) {
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		for _, sub := range s.subs {
			sub.unsub()
		}
	}
	if len(idle) > 0 {
		r.logger.Info("idle sessions reclaimed", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Run sweeps idle sessions until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.SweepIdle()
		}
	}
}

// Close destroys every session.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.DestroySession(id)
	}
}

func (r *Registry) subscribed(userID, timeframe string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok {
		return false
	}
	_, dup := s.subs[timeframe]
	return dup
}

func (s *session) info() Info {
	tfs := make([]string, 0, len(s.subs))
	for tf := range s.subs {
		tfs = append(tfs, tf)
	}
	sort.Strings(tfs)
	return Info{
		UserID:           s.userID,
		PrimaryTimeframe: s.primary,
		Timeframes:       tfs,
		CreatedAt:        s.createdAt,
		LastActivity:     s.lastActivity,
	}
}
