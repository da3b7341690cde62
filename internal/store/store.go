// Package store provides durable key/row storage for the risk engine (C2), built on
// BoltDB: one bucket per record kind, JSON-encoded values, time-ordered keys for
// efficient range scans.
//
// Writes are atomic per row (one bbolt transaction each); cross-row consistency is not
// required because every rule's state is single-row per (account, scope), matching
// spec.md §4.2.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/topstepx/riskguard/internal/errs"
	"github.com/topstepx/riskguard/internal/riskmodel"

	"go.etcd.io/bbolt"
)

const (
	bucketDailyPnL         = "daily_pnl"
	bucketLockouts         = "lockouts"
	bucketTimers           = "timers"
	bucketTradeCounts      = "trade_counts"
	bucketPositionExtremes = "position_extremes"
	bucketAuditLog         = "audit_log"
	bucketResetLog         = "reset_log"
	bucketProcessedEvents  = "processed_events"
)

var allBuckets = []string{
	bucketDailyPnL, bucketLockouts, bucketTimers, bucketTradeCounts,
	bucketPositionExtremes, bucketAuditLog, bucketResetLog, bucketProcessedEvents,
}

// Store is the engine's persistent store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the risk-engine database under dataPath.
func Open(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "riskguard.db")
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errs.New(errs.KindStoreUnavailable, "open store", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errs.New(errs.KindStoreUnavailable, "init buckets", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func dailyPnLKey(accountID riskmodel.AccountId, date string) []byte {
	return []byte(fmt.Sprintf("%s_%s", accountID, date))
}

// PutDailyPnL writes (or overwrites) a DailyPnL row. Prior days are never deleted — they
// remain in the bucket for audit, per spec.md §4.3.
func (s *Store) PutDailyPnL(d riskmodel.DailyPnL) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal daily pnl: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketDailyPnL)).Put(dailyPnLKey(d.AccountID, d.Date), data)
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "put daily pnl", err)
	}
	return nil
}

// GetDailyPnL reads the row for (account, date). ok is false if no row exists yet.
func (s *Store) GetDailyPnL(accountID riskmodel.AccountId, date string) (d riskmodel.DailyPnL, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketDailyPnL)).Get(dailyPnLKey(accountID, date))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &d)
	})
	if err != nil {
		return riskmodel.DailyPnL{}, false, errs.New(errs.KindStoreUnavailable, "get daily pnl", err)
	}
	return d, ok, nil
}

func lockoutKey(accountID riskmodel.AccountId, ruleID string, scope riskmodel.Scope) []byte {
	return []byte(fmt.Sprintf("%s_%s_%s", accountID, ruleID, scope.String()))
}

// PutLockout writes (idempotent upsert) a lockout row; at most one row exists per
// (account, rule_id, scope) because the key is exactly that triple.
func (s *Store) PutLockout(l riskmodel.Lockout) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal lockout: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketLockouts)).Put(lockoutKey(l.AccountID, l.RuleID, l.Scope), data)
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "put lockout", err)
	}
	return nil
}

// DeleteLockout removes a lockout row.
func (s *Store) DeleteLockout(accountID riskmodel.AccountId, ruleID string, scope riskmodel.Scope) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketLockouts)).Delete(lockoutKey(accountID, ruleID, scope))
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "delete lockout", err)
	}
	return nil
}

// ListLockouts returns every lockout row for an account.
func (s *Store) ListLockouts(accountID riskmodel.AccountId) ([]riskmodel.Lockout, error) {
	var out []riskmodel.Lockout
	prefix := []byte(string(accountID) + "_")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketLockouts)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var l riskmodel.Lockout
			if err := json.Unmarshal(v, &l); err != nil {
				continue
			}
			out = append(out, l)
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.KindStoreUnavailable, "list lockouts", err)
	}
	return out, nil
}

func timerKey(accountID riskmodel.AccountId, tag string) []byte {
	return []byte(fmt.Sprintf("%s_%s", accountID, tag))
}

// PutTimer overwrites any existing timer for the same (account, tag).
func (s *Store) PutTimer(t riskmodel.Timer) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal timer: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketTimers)).Put(timerKey(t.AccountID, t.Tag), data)
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "put timer", err)
	}
	return nil
}

// DeleteTimer removes a timer row.
func (s *Store) DeleteTimer(accountID riskmodel.AccountId, tag string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketTimers)).Delete(timerKey(accountID, tag))
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "delete timer", err)
	}
	return nil
}

// ListTimers returns every timer row for an account.
func (s *Store) ListTimers(accountID riskmodel.AccountId) ([]riskmodel.Timer, error) {
	var out []riskmodel.Timer
	prefix := []byte(string(accountID) + "_")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketTimers)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var t riskmodel.Timer
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(errs.KindStoreUnavailable, "list timers", err)
	}
	return out, nil
}

// InsertTradeCount appends one trade-count row, keyed so range queries stay ordered.
func (s *Store) InsertTradeCount(e riskmodel.TradeCountEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal trade count: %w", err)
	}
	key := []byte(fmt.Sprintf("%s_%020d", e.AccountID, e.Ts.UnixNano()))
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketTradeCounts)).Put(key, data)
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "insert trade count", err)
	}
	return nil
}

// CountTradesSince counts trade-count rows for account with Ts >= since.
func (s *Store) CountTradesSince(accountID riskmodel.AccountId, since time.Time) (int, error) {
	prefix := []byte(string(accountID) + "_")
	startKey := []byte(fmt.Sprintf("%s_%020d", accountID, since.UnixNano()))
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketTradeCounts)).Cursor()
		for k, _ := c.Seek(startKey); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, errs.New(errs.KindStoreUnavailable, "count trades since", err)
	}
	return count, nil
}

// PruneTradeCountsBefore deletes trade-count rows older than the widest configured
// window, per spec.md §4.6.
func (s *Store) PruneTradeCountsBefore(accountID riskmodel.AccountId, cutoff time.Time) error {
	prefix := []byte(string(accountID) + "_")
	cutoffKey := []byte(fmt.Sprintf("%s_%020d", accountID, cutoff.UnixNano()))
	var toDelete [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketTradeCounts)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if bytes.Compare(k, cutoffKey) >= 0 {
				break
			}
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		return nil
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "scan prune candidates", err)
	}
	if len(toDelete) == 0 {
		return nil
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketTradeCounts))
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "prune trade counts", err)
	}
	return nil
}

func extremesKey(accountID riskmodel.AccountId, symbol riskmodel.Symbol) []byte {
	return []byte(fmt.Sprintf("%s_%s", accountID, symbol))
}

// PutPositionExtremes upserts the tracked high/low for (account, symbol).
func (s *Store) PutPositionExtremes(e riskmodel.PositionExtremes) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal extremes: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketPositionExtremes)).Put(extremesKey(e.AccountID, e.Symbol), data)
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "put extremes", err)
	}
	return nil
}

// GetPositionExtremes reads the tracked high/low for (account, symbol).
func (s *Store) GetPositionExtremes(accountID riskmodel.AccountId, symbol riskmodel.Symbol) (e riskmodel.PositionExtremes, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketPositionExtremes)).Get(extremesKey(accountID, symbol))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return riskmodel.PositionExtremes{}, false, errs.New(errs.KindStoreUnavailable, "get extremes", err)
	}
	return e, ok, nil
}

// DeletePositionExtremes removes the tracked high/low on position close.
func (s *Store) DeletePositionExtremes(accountID riskmodel.AccountId, symbol riskmodel.Symbol) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketPositionExtremes)).Delete(extremesKey(accountID, symbol))
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "delete extremes", err)
	}
	return nil
}

// PutLastReset records the last ScheduledReset instant seen for an account, used on
// restart to decide whether a catch-up reset is owed.
func (s *Store) PutLastReset(accountID riskmodel.AccountId, at time.Time) error {
	data, err := at.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal reset time: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketResetLog)).Put([]byte(accountID), data)
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "put last reset", err)
	}
	return nil
}

// GetLastReset returns the last recorded reset instant for an account, or the zero time
// if none has ever been recorded.
func (s *Store) GetLastReset(accountID riskmodel.AccountId) (time.Time, error) {
	var t time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketResetLog)).Get([]byte(accountID))
		if v == nil {
			return nil
		}
		return t.UnmarshalBinary(v)
	})
	if err != nil {
		return time.Time{}, errs.New(errs.KindStoreUnavailable, "get last reset", err)
	}
	return t, nil
}

// MarkEventProcessed records eventID as seen and reports whether it had already been
// recorded, in one transaction — so a duplicate SDK delivery of the same event id is
// detected and recorded atomically, with no window for a concurrent re-delivery to slip
// through between a check and a set (spec.md §8 R2). An empty eventID is never
// considered a duplicate: callers only dedup events the SDK actually tagged with an id.
func (s *Store) MarkEventProcessed(eventID string) (alreadySeen bool, err error) {
	if eventID == "" {
		return false, nil
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketProcessedEvents))
		if b.Get([]byte(eventID)) != nil {
			alreadySeen = true
			return nil
		}
		return b.Put([]byte(eventID), []byte{1})
	})
	if err != nil {
		return false, errs.New(errs.KindStoreUnavailable, "mark event processed", err)
	}
	return alreadySeen, nil
}
