package swapsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu      sync.Mutex
	updates []PresenceUpdate
	err     error
}

func (w *fakeWriter) Upsert(_ context.Context, u *PresenceUpdate) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updates = append(w.updates, *u)
	return w.err
}

func (w *fakeWriter) all() []PresenceUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]PresenceUpdate(nil), w.updates...)
}

type fakeBeacon struct {
	mu   sync.Mutex
	sent []PresenceUpdate
}

func (b *fakeBeacon) SendBeacon(_ string, u *PresenceUpdate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, *u)
	return true
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestPresenceLastSeenIsMonotonic(t *testing.T) {
	clock := &fakeClock{now: t0.Add(10 * time.Second)}
	w := &fakeWriter{}
	p := NewPresenceController("u1", w, &fakeBeacon{}, &PresenceOptions{Clock: clock.Now, Heartbeat: time.Hour})
	defer p.Stop()

	p.Signal(SignalMount)
	// Client clock stepped back.
	clock.Set(t0)
	p.Signal(SignalBlur)

	rec := p.Record()
	assert.Equal(t, PresenceOffline, rec.Status)
	assert.Equal(t, t0.Add(10*time.Second+lastSeenStep), rec.LastSeen)

	updates := w.all()
	require.Len(t, updates, 2)
	assert.Equal(t, PresenceOnline, updates[0].Status)
	assert.Equal(t, PresenceOffline, updates[1].Status)
	assert.True(t, updates[1].LastSeen.After(updates[0].LastSeen))
}

func TestPresenceTransitionsOnFrozenClockStayOrdered(t *testing.T) {
	clock := &fakeClock{now: t0}
	w := &fakeWriter{}
	p := NewPresenceController("u1", w, nil, &PresenceOptions{Clock: clock.Now, Heartbeat: time.Hour})

	p.Signal(SignalMount)
	p.Signal(SignalBlur)
	p.Signal(SignalFocus)
	p.Signal(SignalHidden)

	updates := w.all()
	require.Len(t, updates, 4)
	for i := 1; i < len(updates); i++ {
		assert.True(t, updates[i].LastSeen.After(updates[i-1].LastSeen), "update %d", i)
	}

	// Any arrival order of the written rows settles on the last one.
	for _, order := range [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}} {
		board := NewPresenceBoard(0)
		for _, i := range order {
			u := updates[i]
			board.Apply(EventUpdate, &PresenceRecord{UserID: "u1", Status: u.Status, LastSeen: u.LastSeen})
		}
		got, ok := board.Get("u1")
		require.True(t, ok)
		assert.Equal(t, PresenceOffline, got.Status, "order %v", order)
		assert.Equal(t, updates[3].LastSeen, got.LastSeen, "order %v", order)
	}
}

func TestPresenceSignals(t *testing.T) {
	tests := []struct {
		sig  LifecycleSignal
		want PresenceStatus
	}{
		{SignalMount, PresenceOnline},
		{SignalFocus, PresenceOnline},
		{SignalVisible, PresenceOnline},
		{SignalBlur, PresenceOffline},
		{SignalHidden, PresenceOffline},
		{SignalUnmount, PresenceOffline},
	}
	for _, tt := range tests {
		t.Run(string(tt.sig), func(t *testing.T) {
			p := NewPresenceController("u1", &fakeWriter{}, nil, &PresenceOptions{Heartbeat: time.Hour})
			defer p.Stop()
			p.Signal(tt.sig)
			assert.Equal(t, tt.want, p.Record().Status)
		})
	}

	p := NewPresenceController("u1", &fakeWriter{}, nil, nil)
	p.Signal("resize")
	assert.Equal(t, PresenceUnknown, p.Record().Status)
}

func TestPresenceWriteFailureIsIgnored(t *testing.T) {
	w := &fakeWriter{err: errors.New("store down")}
	var changes []PresenceRecord
	p := NewPresenceController("u1", w, nil, &PresenceOptions{
		Heartbeat: time.Hour,
		OnChange:  func(r PresenceRecord) { changes = append(changes, r) },
	})
	defer p.Stop()

	p.Signal(SignalMount)

	assert.Equal(t, PresenceOnline, p.Record().Status)
	assert.Len(t, w.all(), 1)
	require.Len(t, changes, 1)
	assert.Equal(t, PresenceOnline, changes[0].Status)
}

func TestPresenceUnloadUsesBeacon(t *testing.T) {
	w := &fakeWriter{}
	b := &fakeBeacon{}
	p := NewPresenceController("u1", w, b, &PresenceOptions{Heartbeat: time.Hour})

	p.Signal(SignalMount)
	p.Stop()
	p.Signal(SignalFocus)

	assert.Len(t, w.all(), 1, "unload must not use the awaited writer")
	require.Len(t, b.sent, 1)
	assert.Equal(t, PresenceOffline, b.sent[0].Status)
	assert.Equal(t, PresenceOffline, p.Record().Status, "signals after Stop are ignored")
}

func TestPresenceHeartbeat(t *testing.T) {
	w := &fakeWriter{}
	p := NewPresenceController("u1", w, nil, &PresenceOptions{Heartbeat: 10 * time.Millisecond})
	defer p.Stop()

	p.Signal(SignalMount)
	require.Eventually(t, func() bool { return len(w.all()) >= 4 }, time.Second, 5*time.Millisecond)

	p.Signal(SignalHidden)
	n := len(w.all())
	time.Sleep(50 * time.Millisecond)
	updates := w.all()
	assert.Len(t, updates, n, "heartbeat must stop when offline")
	assert.Equal(t, PresenceOffline, updates[len(updates)-1].Status)
}

func TestProjectPresence(t *testing.T) {
	now := t0
	stale := 3 * time.Minute

	tests := []struct {
		name       string
		rec        PresenceRecord
		wantStatus PresenceStatus
		wantLabel  string
	}{
		{"online", PresenceRecord{Status: PresenceOnline, LastSeen: now.Add(-time.Minute)}, PresenceOnline, "online"},
		{"just now", PresenceRecord{Status: PresenceOffline, LastSeen: now.Add(-30 * time.Second)}, PresenceOffline, "last seen just now"},
		{"minutes ago", PresenceRecord{Status: PresenceOffline, LastSeen: now.Add(-5 * time.Minute)}, PresenceOffline, "last seen 5 minutes ago"},
		{"stale online", PresenceRecord{Status: PresenceOnline, LastSeen: now.Add(-10 * time.Minute)}, PresenceOffline, "last seen 10 minutes ago"},
		{"never seen", PresenceRecord{Status: PresenceOffline}, PresenceOffline, "offline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ProjectPresence(tt.rec, now, stale)
			assert.Equal(t, tt.wantStatus, p.Status)
			assert.Equal(t, tt.wantLabel, p.Label)
		})
	}
}

func TestPresenceLabelIsComputedAtRender(t *testing.T) {
	board := NewPresenceBoard(0)
	board.Apply(EventUpdate, &PresenceRecord{UserID: "u2", Status: PresenceOffline, LastSeen: t0})

	assert.Equal(t, "last seen just now", board.Project("u2", t0.Add(10*time.Second)).Label)
	assert.Equal(t, "last seen 5 minutes ago", board.Project("u2", t0.Add(5*time.Minute)).Label)
}

func TestPresenceBoardIgnoresOlderRows(t *testing.T) {
	board := NewPresenceBoard(0)
	board.Apply(EventUpdate, &PresenceRecord{UserID: "u2", Status: PresenceOffline, LastSeen: t0.Add(time.Minute)})
	outcome := board.Apply(EventUpdate, &PresenceRecord{UserID: "u2", Status: PresenceOnline, LastSeen: t0})

	assert.Equal(t, OutcomeIgnored, outcome)
	rec, ok := board.Get("u2")
	require.True(t, ok)
	assert.Equal(t, PresenceOffline, rec.Status)

	board.Forget("u2")
	p := board.Project("u2", t0)
	assert.Equal(t, PresenceUnknown, p.Status)
	assert.Equal(t, "offline", p.Label)
}
