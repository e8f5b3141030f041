package presence_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cowritehq/cowrite/internal/domain/presence"
)

type eventSink struct {
	mu     sync.Mutex
	events []presence.Event
}

func (s *eventSink) notify(ev presence.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) byKind(kind presence.EventKind) []presence.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []presence.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (s *eventSink) all() []presence.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]presence.Event(nil), s.events...)
}

func TestTracker_UpdatePresenceCreatesOnlineUser(t *testing.T) {
	tr := presence.NewTracker(presence.Config{}, nil)
	got := tr.UpdatePresence("u1", presence.Update{})
	require.Equal(t, presence.StatusOnline, got.Status)
	require.False(t, got.LastSeen.IsZero())

	stored, ok := tr.Get("u1")
	require.True(t, ok)
	require.Equal(t, presence.StatusOnline, stored.Status)
}

func TestTracker_UpdatePresenceMergesFields(t *testing.T) {
	tr := presence.NewTracker(presence.Config{}, nil)
	activity := "editing hero section"
	tr.UpdatePresence("u1", presence.Update{
		CurrentLocation: &presence.Location{Type: "conversation", ID: "conv-1"},
		Activity:        &activity,
	})

	// A follow-up update without those fields keeps them.
	got := tr.UpdatePresence("u1", presence.Update{})
	require.NotNil(t, got.CurrentLocation)
	require.Equal(t, "conv-1", got.CurrentLocation.ID)
	require.Equal(t, "editing hero section", got.Activity)

	away := presence.StatusAway
	got = tr.UpdatePresence("u1", presence.Update{Status: &away})
	require.Equal(t, presence.StatusAway, got.Status)
}

func TestTracker_AddToWorkspaceEmitsUserJoined(t *testing.T) {
	tr := presence.NewTracker(presence.Config{}, nil)
	sink := &eventSink{}
	tr.RegisterNotifier("ws1", sink.notify)

	tr.AddToWorkspace("u1", "ws1")

	joins := sink.byKind(presence.EventUserJoined)
	require.Len(t, joins, 1)
	require.Equal(t, "u1", joins[0].UserID)
	require.Equal(t, "ws1", joins[0].WorkspaceID)
	require.Equal(t, presence.StatusOnline, joins[0].Presence.Status)

	// Re-adding the same member stays quiet.
	tr.AddToWorkspace("u1", "ws1")
	require.Len(t, sink.byKind(presence.EventUserJoined), 1)
}

func TestTracker_UpdateBroadcastsToEveryWorkspace(t *testing.T) {
	tr := presence.NewTracker(presence.Config{}, nil)
	sink1 := &eventSink{}
	sink2 := &eventSink{}
	tr.RegisterNotifier("ws1", sink1.notify)
	tr.RegisterNotifier("ws2", sink2.notify)
	tr.AddToWorkspace("u1", "ws1")
	tr.AddToWorkspace("u1", "ws2")

	tr.UpdatePresence("u1", presence.Update{})

	require.Len(t, sink1.byKind(presence.EventPresenceUpdate), 1)
	require.Len(t, sink2.byKind(presence.EventPresenceUpdate), 1)
}

func TestTracker_RemoveFromLastWorkspaceGoesOffline(t *testing.T) {
	tr := presence.NewTracker(presence.Config{}, nil)
	sink := &eventSink{}
	tr.RegisterNotifier("ws1", sink.notify)
	tr.AddToWorkspace("u1", "ws1")

	tr.RemoveFromWorkspace("u1", "ws1")

	lefts := sink.byKind(presence.EventUserLeft)
	require.Len(t, lefts, 1)
	updates := sink.byKind(presence.EventPresenceUpdate)
	require.Len(t, updates, 1)
	require.Equal(t, presence.StatusOffline, updates[0].Presence.Status)

	got, ok := tr.Get("u1")
	require.True(t, ok)
	require.Equal(t, presence.StatusOffline, got.Status)
	require.Empty(t, tr.WorkspacePresence("ws1"))
}

func TestTracker_RemoveKeepsUserOnlineElsewhere(t *testing.T) {
	tr := presence.NewTracker(presence.Config{}, nil)
	tr.AddToWorkspace("u1", "ws1")
	tr.AddToWorkspace("u1", "ws2")

	tr.RemoveFromWorkspace("u1", "ws1")

	got, _ := tr.Get("u1")
	require.Equal(t, presence.StatusOnline, got.Status)
	require.Len(t, tr.WorkspacePresence("ws2"), 1)
}

func TestTracker_RemoveUnknownMembershipIsNoop(t *testing.T) {
	tr := presence.NewTracker(presence.Config{}, nil)
	sink := &eventSink{}
	tr.RegisterNotifier("ws1", sink.notify)

	tr.RemoveFromWorkspace("ghost", "ws1")
	require.Empty(t, sink.all())
}

func TestTracker_SetOfflineRemovesFromAllWorkspaces(t *testing.T) {
	tr := presence.NewTracker(presence.Config{}, nil)
	sink1 := &eventSink{}
	sink2 := &eventSink{}
	tr.RegisterNotifier("ws1", sink1.notify)
	tr.RegisterNotifier("ws2", sink2.notify)
	tr.AddToWorkspace("u1", "ws1")
	tr.AddToWorkspace("u1", "ws2")

	tr.SetOffline("u1")

	require.Len(t, sink1.byKind(presence.EventUserLeft), 1)
	require.Len(t, sink2.byKind(presence.EventUserLeft), 1)
	require.Equal(t, presence.StatusOffline, sink1.byKind(presence.EventUserLeft)[0].Presence.Status)
	require.Empty(t, tr.WorkspacePresence("ws1"))
	require.Empty(t, tr.WorkspacePresence("ws2"))

	got, ok := tr.Get("u1")
	require.True(t, ok)
	require.Equal(t, presence.StatusOffline, got.Status)
}

func TestTracker_SweepDemotesIdleToAway(t *testing.T) {
	tr := presence.NewTracker(presence.Config{
		IdleAfter:     20 * time.Millisecond,
		OfflineAfter:  10 * time.Second,
		SweepInterval: 5 * time.Millisecond,
	}, nil)
	sink := &eventSink{}
	tr.RegisterNotifier("ws1", sink.notify)
	tr.AddToWorkspace("u1", "ws1")
	tr.Start()
	defer tr.Stop()

	require.Eventually(t, func() bool {
		got, ok := tr.Get("u1")
		return ok && got.Status == presence.StatusAway
	}, 2*time.Second, 5*time.Millisecond)

	updates := sink.byKind(presence.EventPresenceUpdate)
	require.NotEmpty(t, updates)
	require.Equal(t, presence.StatusAway, updates[len(updates)-1].Presence.Status)
}

func TestTracker_SweepMarksStaleOffline(t *testing.T) {
	tr := presence.NewTracker(presence.Config{
		IdleAfter:     10 * time.Millisecond,
		OfflineAfter:  30 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	}, nil)
	sink := &eventSink{}
	tr.RegisterNotifier("ws1", sink.notify)
	tr.AddToWorkspace("u1", "ws1")
	tr.Start()
	defer tr.Stop()

	require.Eventually(t, func() bool {
		got, ok := tr.Get("u1")
		return ok && got.Status == presence.StatusOffline
	}, 2*time.Second, 5*time.Millisecond)

	require.NotEmpty(t, sink.byKind(presence.EventUserLeft))
	require.Empty(t, tr.WorkspacePresence("ws1"))
}

func TestTracker_ActivityBringsAwayUserBack(t *testing.T) {
	tr := presence.NewTracker(presence.Config{
		IdleAfter:     10 * time.Millisecond,
		OfflineAfter:  10 * time.Second,
		SweepInterval: 5 * time.Millisecond,
	}, nil)
	tr.AddToWorkspace("u1", "ws1")
	tr.Start()
	defer tr.Stop()

	require.Eventually(t, func() bool {
		got, _ := tr.Get("u1")
		return got.Status == presence.StatusAway
	}, 2*time.Second, 5*time.Millisecond)

	got := tr.UpdatePresence("u1", presence.Update{})
	require.Equal(t, presence.StatusOnline, got.Status)
}

func TestTracker_StopWithoutStart(t *testing.T) {
	tr := presence.NewTracker(presence.Config{}, nil)
	tr.Stop()
	tr.Stop()
}

func TestTracker_GetUnknownUser(t *testing.T) {
	tr := presence.NewTracker(presence.Config{}, nil)
	_, ok := tr.Get("nobody")
	require.False(t, ok)
	require.Empty(t, tr.WorkspacePresence("ws1"))
}
