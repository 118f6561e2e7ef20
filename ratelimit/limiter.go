// Package ratelimit implements per-user admission control with a daily and a
// per-minute sliding window.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RejectKind names the limit that rejected a request.
type RejectKind string

const (
	RejectNone RejectKind = ""
	RejectRPD  RejectKind = "RPD_LIMIT"
	RejectRPM  RejectKind = "RPM_LIMIT"
)

// minuteWindow is the length of the rolling per-minute window.
const minuteWindow = 60 * time.Second

// Config holds the limits. Zero or negative disables a dimension.
type Config struct {
	MaxDaily     int `yaml:"rpd"`
	MaxPerMinute int `yaml:"rpm"`
}

func (c Config) dailyEnabled() bool  { return c.MaxDaily > 0 }
func (c Config) minuteEnabled() bool { return c.MaxPerMinute > 0 }

// Unlimited reports whether both dimensions are disabled.
func (c Config) Unlimited() bool { return !c.dailyEnabled() && !c.minuteEnabled() }

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Kind    RejectKind
}

// RejectError is returned to callers when a request is not admitted.
type RejectError struct {
	Kind  RejectKind
	Limit int
}

func (e *RejectError) Error() string {
	switch e.Kind {
	case RejectRPD:
		return fmt.Sprintf("daily request limit reached (%d per day)", e.Limit)
	case RejectRPM:
		return fmt.Sprintf("per-minute request limit reached (%d per minute)", e.Limit)
	default:
		return "request rejected"
	}
}

// IsRejectError reports whether err is an admission rejection.
func IsRejectError(err error) bool {
	var rejectErr *RejectError
	return errors.As(err, &rejectErr)
}

// ledger holds one user's request timestamps, oldest first.
type ledger struct {
	daily  []time.Time
	minute []time.Time
}

// Limiter admits or rejects requests per user. It is safe for concurrent use.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	ledgers map[string]*ledger
	logger  zerolog.Logger
}

// New creates a Limiter.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	return &Limiter{
		cfg:     cfg,
		ledgers: make(map[string]*ledger),
		logger:  logger.With().Str("component", "rateLimiter").Logger(),
	}
}

// Config returns the configured limits.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Admit checks userID against both windows at now and records the request
// when it is allowed.
func (l *Limiter) Admit(userID string, now time.Time) Decision {
	if l.cfg.Unlimited() {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	led, ok := l.ledgers[userID]
	if !ok {
		led = &ledger{}
		l.ledgers[userID] = led
	}

	if l.cfg.dailyEnabled() {
		led.daily = dropBefore(led.daily, startOfDay(now))
		if len(led.daily) >= l.cfg.MaxDaily {
			l.logger.Info().Str("user", userID).Int("count", len(led.daily)).Msg("Rejecting request: daily limit")
			return Decision{Kind: RejectRPD}
		}
	}

	if l.cfg.minuteEnabled() {
		led.minute = dropNotAfter(led.minute, now.Add(-minuteWindow))
		if len(led.minute) >= l.cfg.MaxPerMinute {
			l.logger.Info().Str("user", userID).Int("count", len(led.minute)).Msg("Rejecting request: per-minute limit")
			return Decision{Kind: RejectRPM}
		}
	}

	led.daily = append(led.daily, now)
	led.minute = append(led.minute, now)
	return Decision{Allowed: true}
}

// Err converts a rejected decision into a *RejectError. It returns nil for an
// allowed decision.
func (l *Limiter) Err(d Decision) error {
	switch d.Kind {
	case RejectRPD:
		return &RejectError{Kind: d.Kind, Limit: l.cfg.MaxDaily}
	case RejectRPM:
		return &RejectError{Kind: d.Kind, Limit: l.cfg.MaxPerMinute}
	default:
		return nil
	}
}

// Tracked returns the number of users with a ledger.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ledgers)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// dropBefore removes leading entries earlier than cutoff.
func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

// dropNotAfter removes leading entries at or before cutoff.
func dropNotAfter(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
