package swapsync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// ============================================================================
// Lifecycle signals
// ============================================================================

// LifecycleSignal is a visibility or lifecycle change of the local client.
type LifecycleSignal string

const (
	SignalMount   LifecycleSignal = "mount"
	SignalFocus   LifecycleSignal = "focus"
	SignalVisible LifecycleSignal = "visible"
	SignalBlur    LifecycleSignal = "blur"
	SignalHidden  LifecycleSignal = "hidden"
	SignalUnmount LifecycleSignal = "unmount"
	// SignalUnload is the last signal before the process goes away. Its write
	// goes through the BestEffortSender.
	SignalUnload LifecycleSignal = "unload"
)

// lastSeenStep is the smallest last_seen advance the store keeps.
const lastSeenStep = time.Microsecond

func (s LifecycleSignal) target() PresenceStatus {
	switch s {
	case SignalMount, SignalFocus, SignalVisible:
		return PresenceOnline
	case SignalBlur, SignalHidden, SignalUnmount, SignalUnload:
		return PresenceOffline
	}
	return PresenceUnknown
}

// ============================================================================
// Writers
// ============================================================================

// PresenceWriter is the awaited presence upsert. *PresenceClient implements it.
type PresenceWriter interface {
	Upsert(ctx context.Context, update *PresenceUpdate) error
}

// BestEffortSender queues a write that must survive teardown. It never
// blocks and reports whether the write was queued.
type BestEffortSender interface {
	SendBeacon(userID string, update *PresenceUpdate) bool
}

// HTTPBeacon posts presence to the store's beacon endpoint from a detached
// goroutine.
type HTTPBeacon struct {
	client *Client
}

func NewHTTPBeacon(client *Client) *HTTPBeacon {
	return &HTTPBeacon{client: client}
}

func (b *HTTPBeacon) SendBeacon(userID string, update *PresenceUpdate) bool {
	body, err := json.Marshal(update)
	if err != nil {
		return false
	}
	req, err := http.NewRequest(http.MethodPost, b.client.Presence.BeaconURL(), bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := b.client.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := b.client.httpClient.Do(req.WithContext(ctx))
		if err != nil {
			b.client.log.Debug("presence beacon failed", zap.String("user_id", userID), zap.Error(err))
			return
		}
		resp.Body.Close()
	}()
	return true
}

// ============================================================================
// PresenceController
// ============================================================================

// PresenceController drives the local user's presence row from lifecycle
// signals. While online a heartbeat keeps last_seen fresh. Failed writes are
// logged and dropped.
type PresenceController struct {
	userID    string
	writer    PresenceWriter
	beacon    BestEffortSender
	heartbeat time.Duration
	timeout   time.Duration
	now       func() time.Time
	log       *zap.Logger
	onChange  func(PresenceRecord)

	// writeMu orders writes so a stale heartbeat never lands after a
	// transition to offline.
	writeMu sync.Mutex

	mu       sync.Mutex
	status   PresenceStatus
	lastSeen time.Time
	stopBeat chan struct{}
	done     bool
}

// PresenceOptions configures a PresenceController.
type PresenceOptions struct {
	Heartbeat time.Duration
	// WriteTimeout bounds each awaited upsert.
	WriteTimeout time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
	// OnChange observes every local record change.
	OnChange func(PresenceRecord)
}

func NewPresenceController(userID string, writer PresenceWriter, beacon BestEffortSender, opts *PresenceOptions) *PresenceController {
	p := &PresenceController{
		userID:    userID,
		writer:    writer,
		beacon:    beacon,
		heartbeat: 60 * time.Second,
		timeout:   10 * time.Second,
		now:       time.Now,
		log:       zap.NewNop(),
	}
	if opts != nil {
		if opts.Heartbeat > 0 {
			p.heartbeat = opts.Heartbeat
		}
		if opts.WriteTimeout > 0 {
			p.timeout = opts.WriteTimeout
		}
		if opts.Clock != nil {
			p.now = opts.Clock
		}
		if opts.Logger != nil {
			p.log = opts.Logger
		}
		p.onChange = opts.OnChange
	}
	return p
}

// Record returns the local presence row.
func (p *PresenceController) Record() PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PresenceRecord{UserID: p.userID, Status: p.status, LastSeen: p.lastSeen}
}

// Signal applies a lifecycle signal. Repeated signals for the current state
// still refresh last_seen.
func (p *PresenceController) Signal(sig LifecycleSignal) {
	target := sig.target()
	if target == PresenceUnknown {
		p.log.Debug("ignoring unknown lifecycle signal", zap.String("signal", string(sig)))
		return
	}
	if target == PresenceOnline {
		p.startHeartbeat()
	} else {
		p.stopHeartbeat()
	}
	p.transition(target, sig == SignalUnload)
}

// Set forces a status, as the client-facing setPresence does.
func (p *PresenceController) Set(status PresenceStatus) {
	switch status {
	case PresenceOnline:
		p.Signal(SignalFocus)
	case PresenceOffline:
		p.Signal(SignalBlur)
	}
}

// Stop halts the heartbeat and sends a final offline beacon. Later
// signals are ignored.
func (p *PresenceController) Stop() {
	p.Signal(SignalUnload)
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}

func (p *PresenceController) transition(status PresenceStatus, beacon bool) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.transitionLocked(status, beacon, nil)
}

// transitionLocked runs with writeMu held. guard, when set, is checked under
// mu and cancels the transition when it returns false.
func (p *PresenceController) transitionLocked(status PresenceStatus, beacon bool, guard func() bool) {
	p.mu.Lock()
	if p.done || (guard != nil && !guard()) {
		p.mu.Unlock()
		return
	}
	// last_seen never moves backwards, so an offline row is never older
	// than the latest online observation. A status change always moves it
	// forward so two different rows never share a revision.
	now := p.now()
	if now.Before(p.lastSeen) {
		now = p.lastSeen
	}
	if status != p.status && !p.lastSeen.IsZero() && !now.After(p.lastSeen) {
		now = p.lastSeen.Add(lastSeenStep)
	}
	p.status = status
	p.lastSeen = now
	rec := PresenceRecord{UserID: p.userID, Status: status, LastSeen: now}
	onChange := p.onChange
	p.mu.Unlock()

	if onChange != nil {
		onChange(rec)
	}
	p.write(rec, beacon)
}

func (p *PresenceController) write(rec PresenceRecord, beacon bool) {
	update := &PresenceUpdate{Status: rec.Status, LastSeen: rec.LastSeen}
	if beacon && p.beacon != nil {
		if !p.beacon.SendBeacon(p.userID, update) {
			p.log.Warn("presence beacon not queued", zap.String("user_id", p.userID))
		}
		return
	}
	if p.writer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.writer.Upsert(ctx, update); err != nil {
		p.log.Warn("presence write failed",
			zap.String("user_id", p.userID),
			zap.String("status", string(rec.Status)),
			zap.Error(err))
	}
}

func (p *PresenceController) startHeartbeat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopBeat != nil || p.done {
		return
	}
	stop := make(chan struct{})
	p.stopBeat = stop
	go p.beatLoop(stop)
}

func (p *PresenceController) stopHeartbeat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopBeat != nil {
		close(p.stopBeat)
		p.stopBeat = nil
	}
}

func (p *PresenceController) beatLoop(stop chan struct{}) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			online := p.status == PresenceOnline && p.stopBeat == stop
			p.mu.Unlock()
			if !online {
				return
			}
			p.beat(stop)
		}
	}
}

// beat refreshes last_seen unless the controller went offline meanwhile.
func (p *PresenceController) beat(stop chan struct{}) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.transitionLocked(PresenceOnline, false, func() bool {
		return p.status == PresenceOnline && p.stopBeat == stop
	})
}

// ============================================================================
// PresenceBoard
// ============================================================================

// Projection is the render-time view of one user's presence.
type Projection struct {
	UserID   string
	Status   PresenceStatus
	LastSeen time.Time
	Label    string
}

// PresenceBoard holds the merged presence rows of watched users and renders
// them on demand. Labels are computed at Project time, never stored.
type PresenceBoard struct {
	records *Collection[*PresenceRecord]
	// staleAfter demotes an online row whose last_seen stopped advancing.
	staleAfter time.Duration
}

// NewPresenceBoard creates a board. staleAfter of zero disables demotion.
func NewPresenceBoard(staleAfter time.Duration) *PresenceBoard {
	return &PresenceBoard{records: NewCollection[*PresenceRecord](nil), staleAfter: staleAfter}
}

// Apply merges a presence row. Older rows are ignored.
func (b *PresenceBoard) Apply(kind EventKind, rec *PresenceRecord) Outcome {
	return b.records.Apply(Event[*PresenceRecord]{Kind: kind, Record: rec})
}

// Get returns the merged row of userID.
func (b *PresenceBoard) Get(userID string) (*PresenceRecord, bool) {
	return b.records.Get(userID)
}

// Forget drops userID from the board.
func (b *PresenceBoard) Forget(userID string) {
	b.records.Remove(userID)
}

// Project renders userID's presence as of now.
func (b *PresenceBoard) Project(userID string, now time.Time) Projection {
	rec, ok := b.records.Get(userID)
	if !ok {
		return Projection{UserID: userID, Status: PresenceUnknown, Label: "offline"}
	}
	return ProjectPresence(*rec, now, b.staleAfter)
}

// ProjectPresence renders rec as of now. An online row never shows a
// relative time unless its last_seen is older than staleAfter.
func ProjectPresence(rec PresenceRecord, now time.Time, staleAfter time.Duration) Projection {
	p := Projection{UserID: rec.UserID, Status: rec.Status, LastSeen: rec.LastSeen}
	if rec.Status == PresenceOnline && (staleAfter <= 0 || now.Sub(rec.LastSeen) <= staleAfter) {
		p.Label = "online"
		return p
	}
	if rec.Status == PresenceOnline {
		p.Status = PresenceOffline
	}
	p.Label = lastSeenLabel(rec.LastSeen, now)
	return p
}

func lastSeenLabel(lastSeen, now time.Time) string {
	if lastSeen.IsZero() {
		return "offline"
	}
	if now.Sub(lastSeen) < time.Minute {
		return "last seen just now"
	}
	return "last seen " + humanize.RelTime(lastSeen, now, "ago", "from now")
}
