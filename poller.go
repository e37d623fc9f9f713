package swapsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// poller is the pull producer that runs beside the realtime feeds. It feeds
// the same collections through the same merge, so overlapping results are
// harmless.
type poller struct {
	s        *Session
	interval time.Duration

	mu      sync.Mutex
	syncing bool
	stopCh  chan struct{}
	stopped bool
	done    chan struct{}
}

func newPoller(s *Session, interval time.Duration) *poller {
	return &poller{
		s:        s,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *poller) start() {
	go p.loop()
}

func (p *poller) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()
	<-p.done
}

func (p *poller) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.s.Sync(ctx); err != nil && ctx.Err() == nil {
				p.s.log.Debug("poll failed", zap.Error(err))
			}
		}
	}
}

// Sync runs one pull round: the conversation list always, plus the message
// history of every open conversation and the notification feed whose
// subscription is not currently subscribed. It returns the first error and
// is a no-op while another round is running.
func (s *Session) Sync(ctx context.Context) error {
	if !s.Alive() {
		return ErrSessionClosed
	}
	if s.poller != nil {
		s.poller.mu.Lock()
		if s.poller.syncing {
			s.poller.mu.Unlock()
			return nil
		}
		s.poller.syncing = true
		s.poller.mu.Unlock()
		defer func() {
			s.poller.mu.Lock()
			s.poller.syncing = false
			s.poller.mu.Unlock()
		}()
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	_, err := s.ListConversations(ctx)
	record(err)

	s.mu.Lock()
	degraded := make([]string, 0, len(s.msgSubs))
	for id, sub := range s.msgSubs {
		if sub.Status() != StatusSubscribed {
			degraded = append(degraded, id)
		}
	}
	notifDegraded := s.notifSub != nil && s.notifSub.Status() != StatusSubscribed
	s.mu.Unlock()

	for _, id := range degraded {
		_, err := s.ListMessages(ctx, id)
		record(err)
	}
	if notifDegraded {
		_, err := s.ListNotifications(ctx)
		record(err)
	}
	if len(degraded) > 0 || notifDegraded {
		s.log.Debug("polled degraded feeds",
			zap.Int("conversations", len(degraded)),
			zap.Bool("notifications", notifDegraded))
	}
	return firstErr
}
