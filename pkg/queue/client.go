package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxActive          = 1
	DefaultAverageJobDuration = 30 * time.Second
	DefaultPollInterval       = 5 * time.Second
	DefaultHeartbeatInterval  = 15 * time.Second

	releaseTimeout = 10 * time.Second
)

type State int

const (
	StateIdle State = iota
	StateWaiting
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateProcessing:
		return "processing"
	default:
		return "idle"
	}
}

// Identity supplies the local participant ID. An empty ID means the
// participant has not identified itself yet.
type Identity interface {
	ParticipantID() string
}

type StaticIdentity string

func (s StaticIdentity) ParticipantID() string {
	return string(s)
}

// Snapshot is the client's view of the queue as of the last reconciliation.
type Snapshot struct {
	Entries      []QueueEntry
	Own          *QueueEntry
	State        State
	Position     int
	ActiveCount  int
	WaitingCount int
	RefreshedAt  time.Time
}

func (s Snapshot) sameView(o Snapshot) bool {
	if s.State != o.State || s.Position != o.Position ||
		s.ActiveCount != o.ActiveCount || s.WaitingCount != o.WaitingCount {
		return false
	}
	if (s.Own == nil) != (o.Own == nil) {
		return false
	}
	return s.Own == nil || s.Own.ID == o.Own.ID
}

func deriveSnapshot(entries []QueueEntry, participantID string) Snapshot {
	sorted := make([]QueueEntry, len(entries))
	copy(sorted, entries)
	SortEntries(sorted)

	snap := Snapshot{Entries: sorted, RefreshedAt: time.Now()}
	for i := range sorted {
		e := sorted[i]
		switch e.Status {
		case StatusProcessing:
			snap.ActiveCount++
		case StatusWaiting:
			snap.WaitingCount++
		}

		if participantID == "" || e.ParticipantID != participantID || snap.Own != nil {
			continue
		}
		snap.Own = &sorted[i]
		switch e.Status {
		case StatusProcessing:
			snap.State = StateProcessing
		case StatusWaiting:
			snap.State = StateWaiting
			snap.Position = snap.WaitingCount
		}
	}
	return snap
}

// Client admits the local participant to the shared speech slot and keeps
// track of its place in line. It is safe for concurrent use, but a caller
// must not start a new TryAcquire before the previous one returned.
type Client struct {
	store    Store
	identity Identity

	maxActive         int
	averageJob        time.Duration
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	staleAfter        time.Duration
	limiter           *rate.Limiter
	metrics           *Metrics
	logger            *log.Entry

	// refreshMu orders refreshes so that an older read never replaces a
	// newer snapshot.
	refreshMu sync.Mutex

	mu       sync.RWMutex
	snapshot Snapshot
	changed  chan struct{}
}

type Option func(*Client)

func WithMaxActive(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxActive = n
		}
	}
}

func WithAverageJobDuration(d time.Duration) Option {
	return func(c *Client) { c.averageJob = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.heartbeatInterval = d
		}
	}
}

// WithStaleAfter enables the stale sweep. Zero disables it.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Client) { c.staleAfter = d }
}

// WithRefreshLimit caps how often change events trigger a reconciliation.
func WithRefreshLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(limit, burst) }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(l *log.Entry) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewClient(store Store, identity Identity, opts ...Option) *Client {
	c := &Client{
		store:             store,
		identity:          identity,
		maxActive:         DefaultMaxActive,
		averageJob:        DefaultAverageJobDuration,
		pollInterval:      DefaultPollInterval,
		heartbeatInterval: DefaultHeartbeatInterval,
		staleAfter:        DefaultStaleAfter,
		limiter:           rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
		logger:            log.WithField("component", "queue"),
		changed:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.staleAfter > 0 && c.heartbeatInterval*2 > c.staleAfter {
		c.heartbeatInterval = c.staleAfter / 4
	}
	return c
}

func (c *Client) participantID() string {
	if c.identity == nil {
		return ""
	}
	return c.identity.ParticipantID()
}

// TryAcquire asks for the speech slot. It returns true when the participant
// may start right away. False with a nil error means the participant now
// waits in line, or already had an entry and nothing was inserted.
func (c *Client) TryAcquire(ctx context.Context) (bool, error) {
	pid := c.participantID()
	if pid == "" {
		return false, ErrIdentityUnavailable
	}
	logger := c.logger.WithField("clientId", pid)

	existing, err := c.store.ListForParticipant(ctx, pid)
	if err != nil {
		c.metrics.storeError("list")
		return false, storeError("check existing entry", err)
	}
	for _, e := range existing {
		if e.Live() {
			logger.WithField("status", e.Status).Debug("Participant already queued, not admitting twice")
			c.metrics.admission("duplicate")
			return false, nil
		}
	}

	entry, err := c.store.Admit(ctx, pid, c.maxActive)
	if err != nil {
		c.metrics.storeError("admit")
		return false, storeError("admit", err)
	}
	c.metrics.admission(string(entry.Status))
	logger.WithFields(log.Fields{"status": entry.Status, "entryId": entry.ID}).Info("Queue entry created")

	c.refreshLogged(ctx)
	return entry.Status == StatusProcessing, nil
}

// Release drops the participant's entry. When that entry held a slot the
// oldest waiting entry is promoted. Releasing without an entry is a no-op.
func (c *Client) Release(ctx context.Context) error {
	pid := c.participantID()
	if pid == "" {
		return nil
	}
	logger := c.logger.WithField("clientId", pid)

	deleted, err := c.store.DeleteParticipant(ctx, pid)
	if err != nil {
		c.metrics.storeError("delete")
		return storeError("release", err)
	}
	if len(deleted) == 0 {
		return nil
	}
	c.metrics.release()

	held := false
	for _, e := range deleted {
		if e.Status == StatusProcessing {
			held = true
		}
	}
	logger.WithField("heldSlot", held).Info("Queue entry released")

	if held {
		if err := c.promoteNext(ctx); err != nil {
			return err
		}
	}

	c.refreshLogged(ctx)
	return nil
}

func (c *Client) promoteNext(ctx context.Context) error {
	for try := 0; try < 3; try++ {
		next, err := c.store.OldestWaiting(ctx)
		if err != nil {
			c.metrics.storeError("oldest_waiting")
			return storeError("find next waiting entry", err)
		}
		if next == nil {
			return nil
		}

		err = c.store.Promote(ctx, *next, c.maxActive)
		switch {
		case err == nil:
			c.metrics.promotion()
			c.logger.WithFields(log.Fields{"clientId": next.ParticipantID, "entryId": next.ID}).Info("Promoted next waiting entry")
			return nil
		case errors.Is(err, ErrConflict):
			continue
		case errors.Is(err, ErrNoSlot):
			return nil
		default:
			c.metrics.storeError("promote")
			return storeError("promote", err)
		}
	}
	return nil
}

// Refresh re-reads the whole queue table and rebuilds the local view.
func (c *Client) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	entries, err := c.store.ListEntries(ctx)
	if err != nil {
		c.metrics.storeError("list")
		return storeError("refresh", err)
	}

	snap := deriveSnapshot(entries, c.participantID())
	c.metrics.observeSnapshot(snap)

	c.mu.Lock()
	defer c.mu.Unlock()
	changed := !snap.sameView(c.snapshot)
	c.snapshot = snap
	if changed {
		close(c.changed)
		c.changed = make(chan struct{})
	}
	return nil
}

func (c *Client) refreshLogged(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.logger.WithField("error", err).Warn("Failed to refresh queue state")
	}
}

// Snapshot returns a copy of the cached view that callers may modify.
func (c *Client) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := c.snapshot
	snap.Entries = make([]QueueEntry, len(c.snapshot.Entries))
	copy(snap.Entries, c.snapshot.Entries)
	if c.snapshot.Own != nil {
		for i := range snap.Entries {
			if snap.Entries[i].ID == c.snapshot.Own.ID {
				snap.Own = &snap.Entries[i]
				break
			}
		}
	}
	return snap
}

// currentState reads the cached state without copying the entries.
func (c *Client) currentState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.State
}

func (c *Client) State() State {
	return c.currentState()
}

// QueuePosition returns the 1-based rank among waiting entries. The bool is
// false when the participant is not waiting.
func (c *Client) QueuePosition() (int, bool) {
	snap := c.Snapshot()
	if snap.State != StateWaiting {
		return 0, false
	}
	return snap.Position, true
}

func (c *Client) ActiveCount() int {
	return c.Snapshot().ActiveCount
}

// EstimateTimeUntilSlot is position times the configured average job
// duration. It is a rough hint, not a promise.
func (c *Client) EstimateTimeUntilSlot() time.Duration {
	pos, ok := c.QueuePosition()
	if !ok {
		return 0
	}
	return time.Duration(pos) * c.averageJob
}

// Changed returns a channel that is closed the next time a refresh changes
// the participant's state, position or the queue counts.
func (c *Client) Changed() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changed
}

// WaitForTurn blocks until the participant's entry is processing. It polls
// on its own so it works without Run, just more slowly.
//
// The entry is kept alive with heartbeats while waiting so that other
// participants' sweeps do not expire it.
func (c *Client) WaitForTurn(ctx context.Context) error {
	stop := c.keepAlive(ctx)
	defer stop()
	return c.waitForTurn(ctx)
}

func (c *Client) waitForTurn(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return err
	}

	for {
		changed := c.Changed()
		switch c.currentState() {
		case StateProcessing:
			return nil
		case StateIdle:
			return ErrNotQueued
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-time.After(c.pollInterval):
			c.refreshLogged(ctx)
		}
	}
}

// WithSlot runs fn while holding the speech slot, waiting in line first if
// needed. The entry is released on every exit path, including a cancelled
// ctx and a panic in fn.
func (c *Client) WithSlot(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ok, err := c.TryAcquire(ctx)
	if err != nil {
		return err
	}

	stop := c.keepAlive(ctx)
	defer func() {
		stop()
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := c.Release(cleanupCtx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	if !ok {
		if err := c.waitForTurn(ctx); err != nil {
			return err
		}
	}
	return fn(ctx)
}

// keepAlive sends heartbeats for the participant's entry until the returned
// stop func is called or ctx is done. stop waits for the last heartbeat.
func (c *Client) keepAlive(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		timer := time.NewTimer(jitter(c.heartbeatInterval))
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				c.heartbeat(ctx)
				timer.Reset(jitter(c.heartbeatInterval))
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Run keeps the local view in step with the store until ctx is done. It
// reconciles on every change event and on every poll tick, sends heartbeats
// for the participant's own entry and runs the stale sweep when enabled.
func (c *Client) Run(ctx context.Context) error {
	events := c.subscribe(ctx)
	c.refreshLogged(ctx)

	poll := time.NewTicker(c.pollInterval)
	defer poll.Stop()

	heartbeat := time.NewTimer(jitter(c.heartbeatInterval))
	defer heartbeat.Stop()

	var sweep <-chan time.Time
	if c.staleAfter > 0 {
		t := time.NewTicker(c.staleAfter / 2)
		defer t.Stop()
		sweep = t.C
	}

	// Events beyond the refresh limit collapse into one deferred refresh.
	var deferred *time.Timer
	var deferredC <-chan time.Time
	defer func() {
		if deferred != nil {
			deferred.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				c.logger.Warn("Queue change feed closed, falling back to polling")
				events = nil
				continue
			}
			if c.limiter.Allow() {
				c.refreshLogged(ctx)
				continue
			}
			if deferredC == nil {
				deferred = time.NewTimer(c.refreshDelay())
				deferredC = deferred.C
			}
		case <-deferredC:
			deferredC = nil
			c.refreshLogged(ctx)
		case <-poll.C:
			if events == nil {
				events = c.subscribe(ctx)
			}
			c.refreshLogged(ctx)
		case <-heartbeat.C:
			c.heartbeat(ctx)
			heartbeat.Reset(jitter(c.heartbeatInterval))
		case <-sweep:
			c.sweep(ctx)
		}
	}
}

// refreshDelay reserves the next refresh slot and returns how long until it.
func (c *Client) refreshDelay() time.Duration {
	r := c.limiter.Reserve()
	if !r.OK() {
		return c.pollInterval
	}
	return r.Delay()
}

func (c *Client) subscribe(ctx context.Context) <-chan ChangeEvent {
	events, err := c.store.Subscribe(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.WithField("error", err).Warn("Queue change feed unavailable, polling only")
		}
		return nil
	}
	return events
}

func (c *Client) heartbeat(ctx context.Context) {
	own := c.Snapshot().Own
	if own == nil {
		return
	}

	c.logger.WithField("clientId", own.ParticipantID).Debug("Update lastUpdated")
	err := c.store.Touch(ctx, *own)
	if errors.Is(err, ErrConflict) {
		c.logger.WithField("clientId", own.ParticipantID).Warn("Own queue entry disappeared")
		c.refreshLogged(ctx)
		return
	}
	if err != nil && ctx.Err() == nil {
		c.metrics.storeError("touch")
		c.logger.WithFields(log.Fields{"clientId": own.ParticipantID, "error": err}).Error("Error updating lastUpdated")
	}
}

func (c *Client) sweep(ctx context.Context) {
	report, err := Sweep(ctx, c.store, SweepOptions{
		MaxActive:  c.maxActive,
		StaleAfter: c.staleAfter,
		Owner:      c.participantID(),
	})
	if err != nil {
		if ctx.Err() == nil {
			c.metrics.storeError("sweep")
			c.logger.WithField("error", err).Error("Queue sweep failed")
		}
		return
	}
	c.metrics.swept(report)
	if report.Changed() {
		c.refreshLogged(ctx)
	}
}
