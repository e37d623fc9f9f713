package swapsync

import (
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes retry delays. In fixed mode every delay equals the
// floor of the failure kind; in exponential mode delays double from that
// floor with jitter up to maxDelay.
type reconnector struct {
	mode        BackoffMode
	maxDelay    time.Duration
	maxAttempts int
	healthyFor  time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		mode:        config.Backoff,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxRetryAttempts,
		healthyFor:  config.HealthyResetAfter,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay(floor time.Duration) time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.healthyFor {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	defer func() { r.attempt++ }()

	if r.mode == BackoffFixed {
		return floor
	}
	jitter := time.Duration(rand.Float64() * float64(floor) * 0.5)
	delay := time.Duration(math.Min(
		float64(floor)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	if delay < floor {
		delay = floor
	}
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Retry supervision
// ============================================================================

// retryState is the supervisor state carried by each Subscription. It is
// guarded by the subscription mutex.
type retryState struct {
	recon     *reconnector
	timer     *time.Timer
	nextDelay time.Duration
}

func (r *retryState) cancel() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// scheduleRetryLocked arms one retry timer, replacing any pending one.
// It reports false once the attempt budget is spent.
func (s *Subscription) scheduleRetryLocked(floor time.Duration) (time.Duration, bool) {
	s.retry.cancel()
	if !s.retry.recon.shouldReconnect() {
		s.retry.nextDelay = 0
		return 0, false
	}
	delay := s.retry.recon.nextDelay(floor)
	s.retry.nextDelay = delay
	gen := s.gen
	s.retry.timer = time.AfterFunc(delay, func() { s.retryNow(gen) })
	return delay, true
}

// retryNow fires a scheduled retry. A retry that finds the subscription
// connecting, subscribed or closed does nothing.
func (s *Subscription) retryNow(gen int) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.retry.timer = nil
	attempt := s.retry.recon.attempt
	s.mu.Unlock()

	s.mgr.log.Info("retrying subscription",
		zap.String("topic", s.topic.Name),
		zap.Int("attempt", attempt))
	if err := s.connect(s.mgr.ctx, s.mgr.config.SetupErrorDelay); err != nil {
		s.mgr.log.Warn("retry aborted", zap.String("topic", s.topic.Name), zap.Error(err))
	}
}

// Retry forces an immediate reconnect attempt, e.g. when the network comes
// back. It is a no-op for a live or closed subscription.
func (s *Subscription) Retry() {
	s.mu.Lock()
	switch s.status {
	case StatusError, StatusTimedOut:
	default:
		s.mu.Unlock()
		return
	}
	s.retry.cancel()
	s.retry.recon.reset()
	s.mu.Unlock()
	if err := s.connect(s.mgr.ctx, s.mgr.config.SetupErrorDelay); err != nil {
		s.mgr.log.Warn("retry aborted", zap.String("topic", s.topic.Name), zap.Error(err))
	}
}

// Attempt returns the number of retries scheduled since the last healthy period.
func (s *Subscription) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry.recon.attempt
}

// NextDelay returns the delay of the pending retry, or zero.
func (s *Subscription) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry.timer == nil {
		return 0
	}
	return s.retry.nextDelay
}

// RetryPending reports whether a retry timer is armed.
func (s *Subscription) RetryPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry.timer != nil
}
