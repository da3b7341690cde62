// Package audit is the thin recording surface the Dispatcher and Pre-Trade Gate write
// through: every breach record gets a unique id (google/uuid) stamped before it reaches
// the store, per spec.md §7 ("the audit log records every breach with rule id, input
// snapshot, emitted verdict, and resulting SDK command and outcome").
package audit

import (
	"time"

	"github.com/topstepx/riskguard/internal/metrics"
	"github.com/topstepx/riskguard/internal/riskmodel"
	"github.com/topstepx/riskguard/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Recorder appends audit records to the store, logging failures rather than propagating
// them — losing an audit row must never block enforcement.
type Recorder struct {
	store *store.Store
	m     *metrics.Metrics
}

// New constructs a Recorder. m may be nil (tests that don't care about metrics).
func New(s *store.Store, m *metrics.Metrics) *Recorder {
	return &Recorder{store: s, m: m}
}

// Entry is the caller-facing shape; ID and At are filled in by Record.
type Entry struct {
	AccountID         riskmodel.AccountId
	RuleID            string
	EventKind         riskmodel.EventKind
	Verdict           riskmodel.VerdictKind
	Symbol            riskmodel.Symbol
	Reason            string
	Command           string
	CommandSucceeded  bool
	CommandError      string
	EnforcementFailed bool
}

// Record stamps e with a fresh id and timestamp and persists it.
func (r *Recorder) Record(e Entry) {
	rec := store.AuditRecord{
		ID: uuid.NewString(), AccountID: e.AccountID, RuleID: e.RuleID, At: time.Now(),
		EventKind: e.EventKind, Verdict: e.Verdict, Symbol: e.Symbol, Reason: e.Reason,
		Command: e.Command, CommandSucceeded: e.CommandSucceeded, CommandError: e.CommandError,
		EnforcementFailed: e.EnforcementFailed,
	}
	if err := r.store.AppendAudit(rec); err != nil {
		log.Error().Err(err).Str("account", string(e.AccountID)).Str("rule", e.RuleID).Msg("failed to persist audit record")
	}

	if r.m == nil {
		return
	}
	if e.RuleID != "" {
		r.m.RuleBreachesTotal.WithLabelValues(e.RuleID).Inc()
	}
	if e.Verdict != "" {
		r.m.VerdictsTotal.WithLabelValues(string(e.Verdict)).Inc()
	}
	if e.EnforcementFailed {
		r.m.EnforcementFailures.Inc()
	}
}

// Since returns an account's audit trail since the given instant, oldest first — used by
// the read-only admin dashboard (spec.md §6 "Supplemented Features").
func (r *Recorder) Since(accountID riskmodel.AccountId, since time.Time) ([]store.AuditRecord, error) {
	return r.store.AuditSince(accountID, since)
}
