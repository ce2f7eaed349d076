package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrBreakerOpen is returned when a call is rejected because the breaker is open.
var ErrBreakerOpen = eris.New("resilience: breaker open")

// BreakerConfig controls the circuit breaker guarding an external service.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive trip-worthy failures
	// before the breaker opens. Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a probe.
	// Default: 30s.
	Cooldown time.Duration

	// ShouldTrip decides which errors count toward the threshold.
	// If nil, IsTransient is used: only upstream trouble opens the breaker,
	// a data error never does.
	ShouldTrip func(err error) bool
}

// Breaker is a consecutive-failure circuit breaker for one service. After
// FailureThreshold consecutive failures it rejects calls for Cooldown, then
// lets a single probe through; a successful probe closes it again.
type Breaker struct {
	cfg      BreakerConfig
	name     string
	mu       sync.Mutex
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

// NewBreaker creates a Breaker for the named service.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, name: name, now: time.Now}
}

// Execute runs fn through the breaker. Returns ErrBreakerOpen without calling
// fn while the breaker is open and cooling down.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// Open reports whether the breaker is currently rejecting non-probe calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.cfg.FailureThreshold &&
		b.now().Sub(b.openedAt) < b.cfg.Cooldown
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.cfg.FailureThreshold {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
		return ErrBreakerOpen
	}
	// Cooldown elapsed: admit one probe, reject the rest until it resolves.
	if b.probing {
		return ErrBreakerOpen
	}
	b.probing = true
	return nil
}

func (b *Breaker) record(err error) {
	shouldTrip := b.cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = IsTransient
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err == nil || !shouldTrip(err) {
		if b.failures >= b.cfg.FailureThreshold {
			zap.L().Info("breaker closed", zap.String("service", b.name))
		}
		b.failures = 0
		return
	}

	b.failures++
	if b.failures == b.cfg.FailureThreshold {
		b.openedAt = b.now()
		zap.L().Warn("breaker opened",
			zap.String("service", b.name),
			zap.Int("consecutive_failures", b.failures),
		)
	} else if b.failures > b.cfg.FailureThreshold {
		// Failed probe: restart the cooldown.
		b.openedAt = b.now()
	}
}
