// Package surveillance flags self-matched (wash) trades in each batch from
// the trade feed.
package surveillance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/atmx/risk-engine/internal/alert"
	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/model"
)

// DefaultThreshold is the wash-trade count a batch may reach before it is
// escalated.
const DefaultThreshold = 5

// ErrInvalidThreshold is returned for a negative escalation threshold.
var ErrInvalidThreshold = errors.New("surveillance: threshold must not be negative")

// Halter arms the global halt. The detector goes through the same
// authorization gate as an operator would.
type Halter interface {
	Trigger(ctx context.Context, caller string) bool
}

// Config controls escalation policy.
type Config struct {
	Threshold    int    // escalate when the count exceeds this; 0 escalates on any wash trade
	AutoHalt     bool   // arm the panic switch on escalation
	HaltIdentity string // identity presented to the switch when AutoHalt is set
}

// UserTally counts wash trades attributed to one account.
type UserTally struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}

// Report is the result of scanning one batch.
type Report struct {
	Count      int           `json:"count"`
	Suspicious []model.Trade `json:"suspicious,omitempty"`
	ByUser     []UserTally   `json:"by_user,omitempty"`
	Escalated  bool          `json:"escalated"`
	Halted     bool          `json:"halted"`
}

// Detector is the minimal wash-trade rule.
type Detector struct {
	cfg    Config
	halter Halter
	alerts alert.Sink
	logger *slog.Logger
}

// NewDetector creates a detector. halter may be nil when AutoHalt is off.
func NewDetector(cfg Config, halter Halter, alerts alert.Sink, logger *slog.Logger) (*Detector, error) {
	if cfg.Threshold < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreshold, cfg.Threshold)
	}
	if alerts == nil {
		alerts = alert.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		cfg:    cfg,
		halter: halter,
		alerts: alerts,
		logger: logger.With(slog.String("component", "surveillance")),
	}, nil
}

// Threshold returns the escalation threshold.
func (d *Detector) Threshold() int { return d.cfg.Threshold }

// Scan flags every trade whose buyer and seller are the same account.
// Escalation fires iff the count exceeds the threshold.
func (d *Detector) Scan(ctx context.Context, trades []model.Trade) Report {
	var rep Report
	tally := make(map[string]int)
	for _, t := range trades {
		if !t.IsSelfMatched() {
			continue
		}
		rep.Suspicious = append(rep.Suspicious, t)
		tally[t.BuyerID]++
	}
	rep.Count = len(rep.Suspicious)
	if rep.Count == 0 {
		return rep
	}

	for user, n := range tally {
		rep.ByUser = append(rep.ByUser, UserTally{UserID: user, Count: n})
	}
	sort.Slice(rep.ByUser, func(i, j int) bool {
		if rep.ByUser[i].Count != rep.ByUser[j].Count {
			return rep.ByUser[i].Count > rep.ByUser[j].Count
		}
		return rep.ByUser[i].UserID < rep.ByUser[j].UserID
	})
	metrics.WashTrades.Add(float64(rep.Count))
	d.logger.DebugContext(ctx, "self-matched trades in batch", "count", rep.Count, "batch", len(trades))

	if rep.Count <= d.cfg.Threshold {
		return rep
	}

	rep.Escalated = true
	metrics.SurveillanceEscalations.Inc()
	d.logger.WarnContext(ctx, "wash trading threshold exceeded",
		"count", rep.Count, "threshold", d.cfg.Threshold, "top_user", rep.ByUser[0].UserID)
	d.alerts.Emit(ctx, alert.New(alert.KindWashTrade, alert.SeverityHigh, rep.ByUser[0].UserID,
		"potential wash trading detected",
		map[string]any{"count": rep.Count, "threshold": d.cfg.Threshold, "users": len(rep.ByUser)}))

	if d.cfg.AutoHalt && d.halter != nil {
		rep.Halted = d.halter.Trigger(ctx, d.cfg.HaltIdentity)
		if !rep.Halted {
			d.logger.ErrorContext(ctx, "surveillance auto-halt rejected by panic switch")
		}
	}
	return rep
}
