package presence

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// NotifyFunc delivers an event to every connection registered for a
// workspace. Registered by the connection layer; the tracker has no socket
// knowledge of its own.
type NotifyFunc func(Event)

// Config tunes the idle sweep.
type Config struct {
	// IdleAfter demotes an online user to away.
	IdleAfter time.Duration
	// OfflineAfter marks a silent user offline and removes their
	// workspace memberships.
	OfflineAfter time.Duration
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleAfter <= 0 {
		c.IdleAfter = 5 * time.Minute
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// Tracker maintains presence state and workspace membership sets. All
// mutation goes through its methods; events are emitted outside the lock.
type Tracker struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	users      map[string]*UserPresence
	workspaces map[string]map[string]struct{}
	notifiers  map[string]NotifyFunc

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewTracker creates a tracker. Call Start to launch the idle sweep and
// Stop to release it on shutdown.
func NewTracker(cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:        cfg.withDefaults(),
		logger:     logger,
		users:      make(map[string]*UserPresence),
		workspaces: make(map[string]map[string]struct{}),
		notifiers:  make(map[string]NotifyFunc),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the periodic idle sweep.
func (t *Tracker) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go t.run()
}

// Stop halts the sweep and waits for it to exit. Safe to call more than
// once; a tracker that was never started stops immediately.
func (t *Tracker) Stop() {
	if !t.started.Load() {
		return
	}
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *Tracker) run() {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

// RegisterNotifier installs the broadcast callback for a workspace,
// replacing any previous one.
func (t *Tracker) RegisterNotifier(workspaceID string, fn NotifyFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		delete(t.notifiers, workspaceID)
		return
	}
	t.notifiers[workspaceID] = fn
}

// UnregisterNotifier removes a workspace's broadcast callback.
func (t *Tracker) UnregisterNotifier(workspaceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.notifiers, workspaceID)
}

// UpdatePresence merges a partial update into the user's presence and
// resets their idle timer. Without an explicit status the user goes online.
// The resulting presence is broadcast to every workspace the user is in.
func (t *Tracker) UpdatePresence(userID string, update Update) UserPresence {
	now := time.Now()

	t.mu.Lock()
	p := t.ensureUser(userID)
	if update.Status != nil {
		p.Status = *update.Status
	} else {
		p.Status = StatusOnline
	}
	if update.CurrentLocation != nil {
		p.CurrentLocation = update.CurrentLocation
	}
	if update.Activity != nil {
		p.Activity = *update.Activity
	}
	p.LastSeen = now
	snapshot := *p

	var out []emission
	for _, ws := range t.workspacesOf(userID) {
		out = append(out, emission{t.notifiers[ws], Event{
			Kind:        EventPresenceUpdate,
			WorkspaceID: ws,
			UserID:      userID,
			Presence:    snapshot,
			Timestamp:   now,
		}})
	}
	t.mu.Unlock()

	emit(out)
	return snapshot
}

// AddToWorkspace records workspace membership and announces the arrival.
// Joining counts as activity, so an offline user comes back online.
func (t *Tracker) AddToWorkspace(userID, workspaceID string) {
	now := time.Now()

	t.mu.Lock()
	p := t.ensureUser(userID)
	p.Status = StatusOnline
	p.LastSeen = now
	members, ok := t.workspaces[workspaceID]
	if !ok {
		members = make(map[string]struct{})
		t.workspaces[workspaceID] = members
	}
	_, already := members[userID]
	members[userID] = struct{}{}
	snapshot := *p
	fn := t.notifiers[workspaceID]
	t.mu.Unlock()

	if already {
		return
	}
	emit([]emission{{fn, Event{
		Kind:        EventUserJoined,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Presence:    snapshot,
		Timestamp:   now,
	}}})
}

// RemoveFromWorkspace drops the membership and announces the departure.
// Leaving the last workspace downgrades the user to offline.
func (t *Tracker) RemoveFromWorkspace(userID, workspaceID string) {
	now := time.Now()

	t.mu.Lock()
	members, ok := t.workspaces[workspaceID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, member := members[userID]; !member {
		t.mu.Unlock()
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(t.workspaces, workspaceID)
	}

	var out []emission
	p := t.ensureUser(userID)
	out = append(out, emission{t.notifiers[workspaceID], Event{
		Kind:        EventUserLeft,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Presence:    *p,
		Timestamp:   now,
	}})
	if len(t.workspacesOf(userID)) == 0 && p.Status != StatusOffline {
		p.Status = StatusOffline
		p.LastSeen = now
		out = append(out, emission{t.notifiers[workspaceID], Event{
			Kind:        EventPresenceUpdate,
			WorkspaceID: workspaceID,
			UserID:      userID,
			Presence:    *p,
			Timestamp:   now,
		}})
	}
	t.mu.Unlock()

	emit(out)
}

// SetOffline forcibly downgrades a user and removes them from every
// workspace they occupied, announcing the departure in each.
func (t *Tracker) SetOffline(userID string) {
	now := time.Now()

	t.mu.Lock()
	p, ok := t.users[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	p.Status = StatusOffline
	p.LastSeen = now
	snapshot := *p

	var out []emission
	for ws, members := range t.workspaces {
		if _, member := members[userID]; !member {
			continue
		}
		delete(members, userID)
		if len(members) == 0 {
			delete(t.workspaces, ws)
		}
		out = append(out, emission{t.notifiers[ws], Event{
			Kind:        EventUserLeft,
			WorkspaceID: ws,
			UserID:      userID,
			Presence:    snapshot,
			Timestamp:   now,
		}})
	}
	t.mu.Unlock()

	t.logger.Debug("presence set offline", "user_id", userID)
	emit(out)
}

// Get returns a copy of the user's presence.
func (t *Tracker) Get(userID string) (UserPresence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.users[userID]
	if !ok {
		return UserPresence{}, false
	}
	return *p, true
}

// WorkspacePresence returns a snapshot of every member's presence.
func (t *Tracker) WorkspacePresence(workspaceID string) []UserPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	members := t.workspaces[workspaceID]
	out := make([]UserPresence, 0, len(members))
	for userID := range members {
		if p, ok := t.users[userID]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// sweep demotes idle users to away and stale users to offline. Transitions
// are collected under the lock and emitted after release.
func (t *Tracker) sweep(now time.Time) {
	var out []emission

	t.mu.Lock()
	for _, p := range t.users {
		idle := now.Sub(p.LastSeen)
		switch {
		case p.Status != StatusOffline && idle > t.cfg.OfflineAfter:
			p.Status = StatusOffline
			snapshot := *p
			for _, ws := range t.workspacesOf(p.UserID) {
				delete(t.workspaces[ws], p.UserID)
				if len(t.workspaces[ws]) == 0 {
					delete(t.workspaces, ws)
				}
				out = append(out, emission{t.notifiers[ws], Event{
					Kind:        EventUserLeft,
					WorkspaceID: ws,
					UserID:      p.UserID,
					Presence:    snapshot,
					Timestamp:   now,
				}})
			}
			t.logger.Debug("presence swept offline", "user_id", p.UserID)
		case p.Status == StatusOnline && idle > t.cfg.IdleAfter:
			p.Status = StatusAway
			snapshot := *p
			for _, ws := range t.workspacesOf(p.UserID) {
				out = append(out, emission{t.notifiers[ws], Event{
					Kind:        EventPresenceUpdate,
					WorkspaceID: ws,
					UserID:      p.UserID,
					Presence:    snapshot,
					Timestamp:   now,
				}})
			}
		}
	}
	t.mu.Unlock()

	emit(out)
}

// ensureUser returns the presence record, creating it lazily. Callers must
// hold the write lock.
func (t *Tracker) ensureUser(userID string) *UserPresence {
	p, ok := t.users[userID]
	if !ok {
		p = &UserPresence{UserID: userID, Status: StatusOffline}
		t.users[userID] = p
	}
	return p
}

// workspacesOf lists workspaces containing the user. Callers must hold at
// least the read lock.
func (t *Tracker) workspacesOf(userID string) []string {
	var out []string
	for ws, members := range t.workspaces {
		if _, ok := members[userID]; ok {
			out = append(out, ws)
		}
	}
	return out
}

type emission struct {
	fn NotifyFunc
	ev Event
}

func emit(out []emission) {
	for _, e := range out {
		if e.fn != nil {
			e.fn(e.ev)
		}
	}
}
