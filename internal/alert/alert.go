// Package alert carries severity-leveled risk events (panic activation,
// stage transitions, insurance debits, surveillance hits) to external
// alerting channels.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity ranks alerts for routing.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// MarshalText renders the severity by name in JSON payloads.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "info":
		*s = SeverityInfo
	case "warning":
		*s = SeverityWarning
	case "high":
		*s = SeverityHigh
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("alert: unknown severity %q", text)
	}
	return nil
}

// Kind names the event class. Fund depletion has its own kind so it can be
// routed separately from routine debits.
type Kind string

const (
	KindPanicActivated    Kind = "panic_activated"
	KindPanicRejected     Kind = "panic_rejected"
	KindPanicReset        Kind = "panic_reset"
	KindStageTransition   Kind = "stage_transition"
	KindLiquidationHalted Kind = "liquidation_halted"
	KindEscalation        Kind = "escalation"
	KindInsuranceDebit    Kind = "insurance_debit"
	KindInsuranceDepleted Kind = "insurance_depleted"
	KindInsuranceRefused  Kind = "insurance_refused"
	KindWashTrade         Kind = "wash_trade"
)

// Alert is one emitted event.
type Alert struct {
	ID       string         `json:"id"`
	Kind     Kind           `json:"kind"`
	Severity Severity       `json:"severity"`
	UserID   string         `json:"user_id,omitempty"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
	At       time.Time      `json:"at"`
}

// New builds an alert stamped with an ID and the current time.
func New(kind Kind, sev Severity, userID, message string, fields map[string]any) Alert {
	return Alert{
		ID:       uuid.New().String(),
		Kind:     kind,
		Severity: sev,
		UserID:   userID,
		Message:  message,
		Fields:   fields,
		At:       time.Now().UTC(),
	}
}

// Sink accepts alerts. Implementations must be safe for concurrent use and
// must not block the caller for long.
type Sink interface {
	Emit(ctx context.Context, a Alert)
}

// Sender is one delivery channel behind a Notifier.
type Sender interface {
	Send(ctx context.Context, a Alert) error
	Name() string
}

// Notifier fans alerts out to every sender whose minimum severity the
// alert meets. Delivery failures are logged, never returned.
type Notifier struct {
	mu      sync.RWMutex
	senders []route
	logger  *slog.Logger
}

type route struct {
	sender Sender
	min    Severity
}

// NewNotifier creates an empty notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger.With(slog.String("component", "notifier"))}
}

// Register adds a sender that receives alerts at or above minSeverity.
func (n *Notifier) Register(s Sender, minSeverity Severity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.senders = append(n.senders, route{sender: s, min: minSeverity})
}

// Emit dispatches a to all matching senders.
func (n *Notifier) Emit(ctx context.Context, a Alert) {
	n.mu.RLock()
	routes := append([]route(nil), n.senders...)
	n.mu.RUnlock()

	var errs []error
	attempted := 0
	for _, r := range routes {
		if a.Severity < r.min {
			continue
		}
		attempted++
		if err := r.sender.Send(ctx, a); err != nil {
			n.logger.ErrorContext(ctx, "alert delivery failed",
				slog.String("sender", r.sender.Name()),
				slog.String("kind", string(a.Kind)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	if attempted > 0 && len(errs) == attempted {
		n.logger.ErrorContext(ctx, "alert not delivered to any sender",
			slog.String("kind", string(a.Kind)),
			slog.String("error", errors.Join(errs...).Error()),
		)
	}
}

// LogSender writes alerts to a structured logger at a level matching the
// alert's severity.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a sender that logs through logger.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With(slog.String("component", "alert"))}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(ctx context.Context, a Alert) error {
	level := slog.LevelInfo
	switch a.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityHigh, SeverityCritical:
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.String("alert_id", a.ID),
		slog.String("kind", string(a.Kind)),
		slog.String("severity", a.Severity.String()),
	}
	if a.UserID != "" {
		attrs = append(attrs, slog.String("user", a.UserID))
	}
	for k, v := range a.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.logger.LogAttrs(ctx, level, a.Message, attrs...)
	return nil
}

// Recorder keeps every emitted alert in memory. Used by tests and the
// admin API's recent-alerts view.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
	limit  int
}

// NewRecorder keeps at most limit alerts (0 = unbounded).
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	if r.limit > 0 && len(r.alerts) > r.limit {
		r.alerts = r.alerts[len(r.alerts)-r.limit:]
	}
	return nil
}

// Emit lets a Recorder be used directly as a Sink.
func (r *Recorder) Emit(ctx context.Context, a Alert) {
	_ = r.Send(ctx, a)
}

// All returns a copy of the recorded alerts, oldest first.
func (r *Recorder) All() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// OfKind returns recorded alerts of kind k.
func (r *Recorder) OfKind(k Kind) []Alert {
	var out []Alert
	for _, a := range r.All() {
		if a.Kind == k {
			out = append(out, a)
		}
	}
	return out
}

// Discard drops every alert.
type Discard struct{}

func (Discard) Emit(context.Context, Alert) {}
