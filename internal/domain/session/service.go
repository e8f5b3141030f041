package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cowritehq/cowrite/internal/domain/operation"
)

const persistTimeout = 10 * time.Second

// Config tunes the engine's per-session limits.
type Config struct {
	// JoinBacklog is how many recent operations a new joiner receives
	// alongside the state snapshot.
	JoinBacklog int
	// LogRetention bounds the in-memory operation log per session; the
	// durable store keeps the full history.
	LogRetention int
	// SweepInterval is how often the engine scans for leaked empty
	// sessions.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.JoinBacklog <= 0 {
		c.JoinBacklog = 100
	}
	if c.LogRetention <= 0 {
		c.LogRetention = 1000
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return c
}

type resourceKey struct {
	resourceID   string
	resourceType ResourceType
}

// Service is the collaboration engine: it owns every live session and
// serializes operation handling per session while letting independent
// sessions proceed in parallel.
type Service struct {
	cfg         Config
	persister   Persister
	states      StateProvider
	perms       PermissionChecker
	broadcaster Broadcaster
	logger      *slog.Logger

	mu         sync.RWMutex
	sessions   map[string]*Session
	byResource map[resourceKey]string

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewService creates the engine. Call Start to launch the idle-session
// sweep and Stop to release it on shutdown.
func NewService(
	persister Persister,
	states StateProvider,
	perms PermissionChecker,
	broadcaster Broadcaster,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		persister:   persister,
		states:      states,
		perms:       perms,
		broadcaster: broadcaster,
		logger:      logger,
		sessions:    make(map[string]*Session),
		byResource:  make(map[resourceKey]string),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// SetBroadcaster installs the outbound delivery collaborator. The engine
// and the connection layer reference each other, so one side has to be
// injected after construction; call this before serving traffic.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// Start launches the periodic sweep for leaked empty sessions.
func (s *Service) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run()
}

// Stop halts the sweep and waits for it to exit.
func (s *Service) Stop() {
	if !s.started.Load() {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Service) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepEmptySessions()
		}
	}
}

// CreateSession allocates a session for a resource, primed from the
// resource-state provider, with the initiator as sole participant. If the
// resource already has a live session the initiator joins it instead.
func (s *Service) CreateSession(ctx context.Context, resourceID string, resourceType ResourceType, initiatorID, workspaceID string) (Snapshot, error) {
	if resourceID == "" || initiatorID == "" {
		return Snapshot{}, ErrInvalidInput
	}

	key := resourceKey{resourceID, resourceType}
	s.mu.RLock()
	existingID, exists := s.byResource[key]
	s.mu.RUnlock()
	if exists {
		return s.JoinSession(ctx, existingID, initiatorID)
	}

	var state *operation.State
	if s.states != nil {
		var err error
		state, err = s.states.ResourceState(ctx, resourceID, resourceType)
		if err != nil {
			// A broken provider must not block live collaboration; the
			// session starts empty and the store stays authoritative
			// for history.
			s.logger.Warn("loading resource state, starting empty",
				"resource_id", resourceID, "error", err)
			state = nil
		}
	}

	sess := newSession(uuid.NewString(), resourceID, resourceType, workspaceID, state)
	sess.participants[initiatorID] = struct{}{}

	s.mu.Lock()
	if raceID, raced := s.byResource[key]; raced {
		// Another request created the session while we loaded state.
		s.mu.Unlock()
		return s.JoinSession(ctx, raceID, initiatorID)
	}
	s.sessions[sess.ID] = sess
	s.byResource[key] = sess.ID
	s.mu.Unlock()

	s.logger.Info("session created",
		"session_id", sess.ID,
		"resource_id", resourceID,
		"resource_type", resourceType,
		"user_id", initiatorID)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot(), nil
}

// JoinResource joins the live session for a resource, creating it first if
// none exists, and unicasts the session state to the joining user.
func (s *Service) JoinResource(ctx context.Context, resourceID string, resourceType ResourceType, userID, workspaceID string) (Snapshot, error) {
	key := resourceKey{resourceID, resourceType}

	s.mu.RLock()
	sessionID, exists := s.byResource[key]
	s.mu.RUnlock()

	if exists {
		snap, err := s.JoinSession(ctx, sessionID, userID)
		if err == nil || !errors.Is(err, ErrSessionNotFound) {
			return snap, err
		}
		// The session was evicted under us; fall through and create.
	}

	snap, err := s.CreateSession(ctx, resourceID, resourceType, userID, workspaceID)
	if err != nil {
		return Snapshot{}, err
	}
	s.sendSessionState(userID, snap)
	return snap, nil
}

// JoinSession authorizes the user, adds them to the roster, announces the
// join to existing participants, and unicasts the current state plus a
// bounded tail of recent operations to the joiner only.
func (s *Service) JoinSession(ctx context.Context, sessionID, userID string) (Snapshot, error) {
	if userID == "" {
		return Snapshot{}, ErrInvalidInput
	}

	for attempt := 0; attempt < 3; attempt++ {
		sess, err := s.lookup(sessionID)
		if err != nil {
			return Snapshot{}, err
		}

		sess.mu.Lock()
		_, already := sess.participants[userID]
		snap := sess.snapshot()
		sess.mu.Unlock()

		if !already && s.perms != nil {
			allowed, err := s.perms.CheckPermissions(ctx, snap, userID)
			if err != nil {
				return Snapshot{}, fmt.Errorf("checking permissions: %w", err)
			}
			if !allowed {
				return Snapshot{}, ErrPermissionDenied
			}
		}

		now := time.Now()
		sess.mu.Lock()
		if sess.evicted {
			// Evicted between the permission check and the join; the
			// registry entry is gone or about to be.
			sess.mu.Unlock()
			continue
		}
		_, already = sess.participants[userID]
		sess.participants[userID] = struct{}{}
		sess.lastActivity = now
		others := sess.recipients(userID)
		joined := Snapshot{
			ID:           sess.ID,
			ResourceID:   sess.ResourceID,
			ResourceType: sess.ResourceType,
			WorkspaceID:  sess.WorkspaceID,
			Participants: sess.participantList(),
			State:        sess.state.Clone(),
			Operations:   sess.operationTail(s.cfg.JoinBacklog),
			CreatedAt:    sess.CreatedAt,
			LastActivity: sess.lastActivity,
		}
		sess.mu.Unlock()

		if !already {
			s.broadcast(others, Message{
				Kind:      KindUserJoined,
				SessionID: sessionID,
				UserID:    userID,
				Timestamp: now,
			})
		}
		s.sendSessionState(userID, joined)
		s.logger.Debug("user joined session", "session_id", sessionID, "user_id", userID)
		return joined, nil
	}
	return Snapshot{}, ErrSessionNotFound
}

// LeaveSession removes the user from the roster, clears their cursor and
// selection, and announces the departure. The last participant leaving
// evicts the session from memory; its durable copy survives.
func (s *Service) LeaveSession(sessionID, userID string) error {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	now := time.Now()
	sess.mu.Lock()
	if _, member := sess.participants[userID]; !member {
		sess.mu.Unlock()
		return nil
	}
	delete(sess.participants, userID)
	delete(sess.cursors, userID)
	delete(sess.selections, userID)
	sess.lastActivity = now
	remaining := sess.participantList()
	empty := len(remaining) == 0
	if empty {
		sess.evicted = true
	}
	sess.mu.Unlock()

	if empty {
		s.evict(sess)
	} else {
		s.broadcast(remaining, Message{
			Kind:      KindUserLeft,
			SessionID: sessionID,
			UserID:    userID,
			Timestamp: now,
		})
	}
	s.logger.Debug("user left session", "session_id", sessionID, "user_id", userID)
	return nil
}

// HandleOperation admits one operation: validate, transform against the
// log, apply, record, broadcast to everyone but the author, and persist
// asynchronously. Returns the transformed operation as broadcast.
func (s *Service) HandleOperation(ctx context.Context, sessionID, userID string, op operation.Operation) (*operation.Operation, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess.mu.Lock()
	if sess.evicted {
		sess.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if _, member := sess.participants[userID]; !member {
		sess.mu.Unlock()
		return nil, ErrNotParticipant
	}

	op.SessionID = sessionID
	op.UserID = userID
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = now
	}

	if err := operation.Validate(op, sess.state); err != nil {
		sess.mu.Unlock()
		return nil, fmt.Errorf("validating operation: %w", err)
	}

	transformed := operation.Transform(op, sess.operations, userID)
	transformed.AppliedAt = now
	if err := sess.state.Apply(transformed); err != nil {
		sess.mu.Unlock()
		return nil, fmt.Errorf("applying operation: %w", err)
	}

	sess.appendOperation(transformed, s.cfg.LogRetention)
	sess.lastActivity = now
	others := sess.recipients(userID)
	snap := sess.snapshot()
	sess.persistSeq++
	seq := sess.persistSeq
	sess.mu.Unlock()

	s.broadcast(others, Message{
		Kind:      KindOperation,
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: transformed.Timestamp,
		Operation: &transformed,
	})
	s.persistAsync(sess, snap, seq)
	return &transformed, nil
}

// UpdateCursor overwrites the user's cursor and broadcasts it to the other
// participants. Cursor state is ephemeral and never persisted.
func (s *Service) UpdateCursor(sessionID, userID string, cursor CursorPosition) error {
	return s.updateEphemeral(sessionID, userID, func(sess *Session) Message {
		sess.cursors[userID] = cursor
		return Message{
			Kind:      KindCursorUpdate,
			SessionID: sessionID,
			UserID:    userID,
			Cursor:    &cursor,
		}
	})
}

// UpdateSelection overwrites the user's selection and broadcasts it to the
// other participants.
func (s *Service) UpdateSelection(sessionID, userID string, sel TextSelection) error {
	return s.updateEphemeral(sessionID, userID, func(sess *Session) Message {
		sess.selections[userID] = sel
		return Message{
			Kind:      KindSelectionUpdate,
			SessionID: sessionID,
			UserID:    userID,
			Selection: &sel,
		}
	})
}

func (s *Service) updateEphemeral(sessionID, userID string, mutate func(*Session) Message) error {
	if userID == "" {
		return ErrInvalidInput
	}
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.evicted {
		sess.mu.Unlock()
		return ErrSessionNotFound
	}
	if _, member := sess.participants[userID]; !member {
		sess.mu.Unlock()
		return ErrNotParticipant
	}
	msg := mutate(sess)
	sess.lastActivity = time.Now()
	others := sess.recipients(userID)
	sess.mu.Unlock()

	s.broadcast(others, msg)
	return nil
}

// GetSession returns a point-in-time copy of a live session.
func (s *Service) GetSession(sessionID string) (Snapshot, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot(), nil
}

// Sessions lists a snapshot of every live session.
func (s *Service) Sessions() []Snapshot {
	s.mu.RLock()
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(live))
	for _, sess := range live {
		sess.mu.Lock()
		out = append(out, sess.snapshot())
		sess.mu.Unlock()
	}
	return out
}

func (s *Service) lookup(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// evict removes a session from the registry. The caller must have marked
// it evicted under the session lock first.
func (s *Service) evict(sess *Session) {
	s.mu.Lock()
	if current, ok := s.sessions[sess.ID]; ok && current == sess {
		delete(s.sessions, sess.ID)
		delete(s.byResource, resourceKey{sess.ResourceID, sess.ResourceType})
	}
	s.mu.Unlock()
	s.logger.Info("session evicted", "session_id", sess.ID, "resource_id", sess.ResourceID)
}

// sweepEmptySessions clears sessions whose roster emptied without going
// through the ordinary leave path, e.g. after a failed disconnect cleanup.
func (s *Service) sweepEmptySessions() {
	s.mu.RLock()
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.RUnlock()

	for _, sess := range live {
		sess.mu.Lock()
		empty := len(sess.participants) == 0 && !sess.evicted
		if empty {
			sess.evicted = true
		}
		sess.mu.Unlock()
		if empty {
			s.evict(sess)
		}
	}
}

func (s *Service) broadcast(userIDs []string, msg Message) {
	if s.broadcaster == nil || len(userIDs) == 0 {
		return
	}
	s.broadcaster.BroadcastToUsers(userIDs, msg)
}

func (s *Service) sendSessionState(userID string, snap Snapshot) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.SendToUser(userID, Message{
		Kind:         KindSessionState,
		SessionID:    snap.ID,
		Timestamp:    snap.LastActivity,
		State:        snap.State,
		Participants: snap.Participants,
		Operations:   snap.Operations,
	})
}

// persistAsync stores the snapshot without blocking the broadcast path.
// Writes for one session are sequenced so a delayed goroutine can never
// clobber a newer snapshot. Failures are logged; the in-memory session
// stays authoritative and the store applies its own retry policy.
func (s *Service) persistAsync(sess *Session, snap Snapshot, seq uint64) {
	if s.persister == nil {
		return
	}
	go func() {
		sess.persistMu.Lock()
		defer sess.persistMu.Unlock()
		if seq <= sess.persistDone {
			// A newer snapshot already reached the store.
			return
		}
		sess.persistDone = seq

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.persister.PersistSession(ctx, snap); err != nil {
			s.logger.Error("persisting session", "session_id", snap.ID, "error", err)
		}
	}()
}

