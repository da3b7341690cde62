package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/topstepx/riskguard/internal/errs"
	"github.com/topstepx/riskguard/internal/riskmodel"

	"go.etcd.io/bbolt"
)

// AuditRecord is one row in the audit log: the rule id, event kind, symbol, verdict and
// reason of one enforcement action, with the SDK command and its outcome. The account
// snapshot the rule evaluated is not stored.
type AuditRecord struct {
	ID               string
	AccountID        riskmodel.AccountId
	RuleID           string
	At               time.Time
	EventKind        riskmodel.EventKind
	Verdict          riskmodel.VerdictKind
	Symbol           riskmodel.Symbol
	Reason           string
	Command          string
	CommandSucceeded bool
	CommandError     string
	EnforcementFailed bool
}

// AppendAudit writes one audit record, keyed by account + nanosecond timestamp + id so
// records stay time-ordered for range scans.
func (s *Store) AppendAudit(r AuditRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	key := []byte(fmt.Sprintf("%s_%020d_%s", r.AccountID, r.At.UnixNano(), r.ID))
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketAuditLog)).Put(key, data)
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "append audit", err)
	}
	return nil
}

// AuditSince returns every audit record for an account with At >= since, oldest first.
func (s *Store) AuditSince(accountID riskmodel.AccountId, since time.Time) ([]AuditRecord, error) {
	prefix := []byte(string(accountID) + "_")
	startKey := []byte(fmt.Sprintf("%s_%020d", accountID, since.UnixNano()))
	var out []AuditRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketAuditLog)).Cursor()
		for k, v := c.Seek(startKey); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r AuditRecord
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.KindStoreUnavailable, "audit since", err)
	}
	return out, nil
}
