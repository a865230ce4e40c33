// Package panicswitch implements the process-wide emergency halt.
//
// Only the configured authorized identity may arm or reset the switch. The
// armed flag is an atomic value so every risk evaluation can re-read it at
// the moment it is about to act; transitions are additionally serialized by
// a mutex so the flag, the recorded actor and the mirror stay consistent.
package panicswitch

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/risk-engine/internal/alert"
	"github.com/atmx/risk-engine/internal/metrics"
)

// ErrUnauthorized is reported when a caller other than the authorized
// identity attempts a transition.
var ErrUnauthorized = errors.New("panicswitch: caller not authorized")

// State is a point-in-time view of the switch.
type State struct {
	Armed bool      `json:"armed"`
	By    string    `json:"by,omitempty"`
	At    time.Time `json:"at,omitempty"`
}

// Mirror publishes the halt state to other processes (e.g. the order
// gateway) and lets a restarted process recover it.
type Mirror interface {
	PublishHalt(ctx context.Context, s State) error
	LoadHalt(ctx context.Context) (State, bool, error)
}

// Switch is the global panic switch. The zero value is not usable; call New.
type Switch struct {
	authorized string
	armed      atomic.Bool

	mu    sync.Mutex // serializes transitions
	state State

	mirror Mirror
	alerts alert.Sink
	logger *slog.Logger
}

// Option configures a Switch.
type Option func(*Switch)

// WithMirror publishes transitions through m.
func WithMirror(m Mirror) Option {
	return func(s *Switch) { s.mirror = m }
}

// WithAlerts routes activation/rejection alerts to sink.
func WithAlerts(sink alert.Sink) Option {
	return func(s *Switch) { s.alerts = sink }
}

// WithLogger sets the switch's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Switch) { s.logger = l }
}

// New creates a disarmed switch that only authorizedIdentity may operate.
// An empty identity means nobody can arm it.
func New(authorizedIdentity string, opts ...Option) *Switch {
	s := &Switch{
		authorized: authorizedIdentity,
		alerts:     alert.Discard{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "panicswitch"))
	metrics.PanicMode.Set(0)
	return s
}

// Armed reports the current halt flag. Callers must not cache the result
// across actions.
func (s *Switch) Armed() bool {
	return s.armed.Load()
}

// State returns the flag together with who last changed it.
func (s *Switch) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Trigger arms the switch. It returns false, logs and alerts when caller is
// not the authorized identity; state is left untouched in that case.
// Re-arming an armed switch is a successful no-op.
func (s *Switch) Trigger(ctx context.Context, caller string) bool {
	if !s.authorize(caller) {
		s.reject(ctx, "trigger", caller)
		return false
	}

	s.mu.Lock()
	already := s.armed.Load()
	if !already {
		s.state = State{Armed: true, By: caller, At: time.Now().UTC()}
		s.armed.Store(true)
	}
	st := s.state
	s.mu.Unlock()

	metrics.PanicAttempts.WithLabelValues("trigger", "accepted").Inc()
	if already {
		s.logger.InfoContext(ctx, "panic switch already armed", "caller", caller)
		return true
	}

	metrics.PanicMode.Set(1)
	s.logger.ErrorContext(ctx, "PANIC SWITCH ACTIVATED: trading and liquidation halted", "caller", caller)
	s.alerts.Emit(ctx, alert.New(alert.KindPanicActivated, alert.SeverityCritical, "",
		"panic switch activated; all trading and liquidation halted",
		map[string]any{"caller": caller}))
	s.publish(ctx, st)
	return true
}

// Reset disarms the switch under the same authorization gate as Trigger.
func (s *Switch) Reset(ctx context.Context, caller string) bool {
	if !s.authorize(caller) {
		s.reject(ctx, "reset", caller)
		return false
	}

	s.mu.Lock()
	was := s.armed.Load()
	if was {
		s.state = State{Armed: false, By: caller, At: time.Now().UTC()}
		s.armed.Store(false)
	}
	st := s.state
	s.mu.Unlock()

	metrics.PanicAttempts.WithLabelValues("reset", "accepted").Inc()
	if !was {
		return true
	}

	metrics.PanicMode.Set(0)
	s.logger.WarnContext(ctx, "panic switch reset", "caller", caller)
	s.alerts.Emit(ctx, alert.New(alert.KindPanicReset, alert.SeverityHigh, "",
		"panic switch reset; trading and liquidation resumed",
		map[string]any{"caller": caller}))
	s.publish(ctx, st)
	return true
}

// Restore arms the switch if the mirror reports a halt, e.g. one set by
// another replica before this process started. It never disarms.
func (s *Switch) Restore(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	st, ok, err := s.mirror.LoadHalt(ctx)
	if err != nil {
		return err
	}
	if !ok || !st.Armed {
		return nil
	}

	s.mu.Lock()
	s.state = st
	s.armed.Store(true)
	s.mu.Unlock()

	metrics.PanicMode.Set(1)
	s.logger.ErrorContext(ctx, "panic switch restored armed from mirror", "by", st.By, "at", st.At)
	return nil
}

func (s *Switch) authorize(caller string) bool {
	if s.authorized == "" || caller == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(caller), []byte(s.authorized)) == 1
}

func (s *Switch) reject(ctx context.Context, action, caller string) {
	metrics.PanicAttempts.WithLabelValues(action, "rejected").Inc()
	s.logger.WarnContext(ctx, "unauthorized panic switch attempt", "action", action, "caller", caller)
	s.alerts.Emit(ctx, alert.New(alert.KindPanicRejected, alert.SeverityWarning, "",
		"unauthorized panic switch attempt",
		map[string]any{"caller": caller, "action": action, "error": ErrUnauthorized.Error()}))
}

func (s *Switch) publish(ctx context.Context, st State) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.PublishHalt(ctx, st); err != nil {
		s.logger.ErrorContext(ctx, "failed to mirror halt state", "armed", st.Armed, "err", err)
	}
}
