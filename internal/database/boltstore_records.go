// internal/database/boltstore_records.go - SSL registry, alerting, metrics, audit, settings, retention
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// --- SSL certificate registry ---

func (s *BoltStore) GetSSLCerts(ctx context.Context) ([]SSLCert, error) {
	var certs []SSLCert

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(SSLCertsBucket)
		return b.ForEach(func(k, v []byte) error {
			var cert SSLCert
			if err := json.Unmarshal(v, &cert); err != nil {
				return fmt.Errorf("failed to unmarshal ssl cert %s: %w", k, err)
			}
			certs = append(certs, cert)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(certs, func(i, j int) bool {
		return certs[i].Domain < certs[j].Domain
	})
	return certs, nil
}

func (s *BoltStore) GetSSLCert(ctx context.Context, id string) (*SSLCert, error) {
	var cert SSLCert
	if err := s.getByID(SSLCertsBucket, id, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *BoltStore) CreateSSLCert(ctx context.Context, cert *SSLCert) error {
	if cert.ID == "" {
		cert.ID = uuid.New().String()
	}
	cert.CreatedAt = time.Now()
	return s.putByID(SSLCertsBucket, cert.ID, cert)
}

func (s *BoltStore) UpdateSSLCert(ctx context.Context, cert *SSLCert) error {
	return s.putByID(SSLCertsBucket, cert.ID, cert)
}

func (s *BoltStore) DeleteSSLCert(ctx context.Context, id string) error {
	return s.deleteByID(SSLCertsBucket, id)
}

// --- Alert rules ---

func (s *BoltStore) GetAlertRules(ctx context.Context) ([]AlertRule, error) {
	var rules []AlertRule

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(AlertRulesBucket)
		return b.ForEach(func(k, v []byte) error {
			var rule AlertRule
			if err := json.Unmarshal(v, &rule); err != nil {
				return fmt.Errorf("failed to unmarshal alert rule %s: %w", k, err)
			}
			rules = append(rules, rule)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	return rules, nil
}

func (s *BoltStore) GetAlertRule(ctx context.Context, id string) (*AlertRule, error) {
	var rule AlertRule
	if err := s.getByID(AlertRulesBucket, id, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *BoltStore) CreateAlertRule(ctx context.Context, rule *AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	return s.putByID(AlertRulesBucket, rule.ID, rule)
}

func (s *BoltStore) UpdateAlertRule(ctx context.Context, rule *AlertRule) error {
	rule.UpdatedAt = time.Now()
	return s.putByID(AlertRulesBucket, rule.ID, rule)
}

func (s *BoltStore) DeleteAlertRule(ctx context.Context, id string) error {
	return s.deleteByID(AlertRulesBucket, id)
}

// --- Alerts ---

func (s *BoltStore) GetAlerts(ctx context.Context, filters AlertFilters) ([]Alert, error) {
	var alerts []Alert

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(AlertsBucket)
		return b.ForEach(func(k, v []byte) error {
			var alert Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				return nil // skip malformed entries
			}
			if filters.RuleID != "" && alert.RuleID != filters.RuleID {
				return nil
			}
			if filters.Status != "" && alert.Status != filters.Status {
				return nil
			}
			alerts = append(alerts, alert)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].FirstFiredAt.After(alerts[j].FirstFiredAt)
	})
	if filters.Limit > 0 && len(alerts) > filters.Limit {
		alerts = alerts[:filters.Limit]
	}
	return alerts, nil
}

func (s *BoltStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	var alert Alert
	if err := s.getByID(AlertsBucket, id, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

func (s *BoltStore) CreateAlert(ctx context.Context, alert *Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	return s.putByID(AlertsBucket, alert.ID, alert)
}

func (s *BoltStore) UpdateAlert(ctx context.Context, alert *Alert) error {
	return s.putByID(AlertsBucket, alert.ID, alert)
}

func (s *BoltStore) FindOpenAlert(ctx context.Context, ruleID string) (*Alert, error) {
	var found *Alert

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(AlertsBucket)
		return b.ForEach(func(k, v []byte) error {
			var alert Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				return nil
			}
			if alert.RuleID == ruleID && alert.Status != AlertResolved {
				found = &alert
				return errLimitReached
			}
			return nil
		})
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return nil, err
	}
	return found, nil
}

// --- Server metrics samples ---

func (s *BoltStore) AppendServerMetrics(ctx context.Context, sample *ServerMetrics) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(sample)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics sample: %w", err)
		}
		key := seriesKey(sample.ServerID, sample.Timestamp, uuid.New().String()[:8])
		return tx.Bucket(MetricsBucket).Put(key, data)
	})
}

// GetServerMetrics returns samples for a server in chronological order,
// optionally bounded by Since.
func (s *BoltStore) GetServerMetrics(ctx context.Context, filters MetricsFilters) ([]ServerMetrics, error) {
	var samples []ServerMetrics

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(MetricsBucket)
		c := b.Cursor()
		prefix := []byte(filters.ServerID + ":")

		start := prefix
		if filters.Since != nil {
			start = []byte(fmt.Sprintf("%s:%020d", filters.ServerID, filters.Since.UnixNano()))
		}

		for k, v := c.Seek(start); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var sample ServerMetrics
			if err := json.Unmarshal(v, &sample); err != nil {
				continue
			}
			samples = append(samples, sample)
			if filters.Limit > 0 && len(samples) >= filters.Limit {
				return nil
			}
		}
		return nil
	})
	return samples, err
}

// --- Audit log ---

func (s *BoltStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal audit entry: %w", err)
		}
		key := []byte(fmt.Sprintf("%020d:%s", entry.Timestamp.UnixNano(), entry.ID))
		return tx.Bucket(AuditBucket).Put(key, data)
	})
}

// GetAuditEntries returns audit entries, newest first.
func (s *BoltStore) GetAuditEntries(ctx context.Context, filters AuditFilters) ([]AuditEntry, error) {
	var entries []AuditEntry

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(AuditBucket).Cursor()
		count := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var entry AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if filters.Actor != "" && entry.Actor != filters.Actor {
				continue
			}
			if filters.Action != "" && entry.Action != filters.Action {
				continue
			}
			if filters.Since != nil && entry.Timestamp.Before(*filters.Since) {
				// Keys are time-ordered; everything further back is older.
				return nil
			}
			entries = append(entries, entry)
			count++
			if filters.Limit > 0 && count >= filters.Limit {
				return nil
			}
		}
		return nil
	})
	return entries, err
}

// --- Settings ---

func (s *BoltStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(SettingsBucket).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("setting %s: %w", key, ErrNotFound)
		}
		value = string(v)
		return nil
	})
	return value, err
}

func (s *BoltStore) PutSetting(ctx context.Context, key, value string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(SettingsBucket).Put([]byte(key), []byte(value))
	})
}

// --- Retention maintenance ---

func (s *BoltStore) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	// favorited commands are pinned and never age out
	return s.deleteSeriesBefore(HistoryBucket, cutoff, func(v []byte) bool {
		var entry CommandHistoryEntry
		return json.Unmarshal(v, &entry) == nil && entry.IsFavorite
	})
}

func (s *BoltStore) DeletePingsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteSeriesBefore(PingsBucket, cutoff, nil)
}

func (s *BoltStore) DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteSeriesBefore(MetricsBucket, cutoff, nil)
}

// deleteSeriesBefore drops time-series entries older than cutoff. Keys are
// "<parent>:<20-digit-nanos>:<suffix>" so the timestamp is parsed from the
// middle segment. Entries for which keep returns true are retained
// regardless of age.
func (s *BoltStore) deleteSeriesBefore(bucket []byte, cutoff time.Time, keep func(v []byte) bool) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		var keys [][]byte

		if err := b.ForEach(func(k, v []byte) error {
			parts := strings.SplitN(string(k), ":", 3)
			if len(parts) < 2 {
				return nil
			}
			nanos, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil
			}
			if time.Unix(0, nanos).Before(cutoff) && (keep == nil || !keep(v)) {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(keys)
		return nil
	})
	return deleted, err
}

// --- Stats ---

func (s *BoltStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{CollectedAt: time.Now()}

	err := s.db.View(func(tx *bbolt.Tx) error {
		stats.Servers = tx.Bucket(ServersBucket).Stats().KeyN
		stats.CronJobs = tx.Bucket(CronsBucket).Stats().KeyN
		stats.HistoryEntries = tx.Bucket(HistoryBucket).Stats().KeyN
		stats.Monitors = tx.Bucket(MonitorsBucket).Stats().KeyN
		stats.Pings = tx.Bucket(PingsBucket).Stats().KeyN
		stats.SSLCerts = tx.Bucket(SSLCertsBucket).Stats().KeyN
		stats.AlertRules = tx.Bucket(AlertRulesBucket).Stats().KeyN
		stats.Alerts = tx.Bucket(AlertsBucket).Stats().KeyN
		stats.MetricsSamples = tx.Bucket(MetricsBucket).Stats().KeyN
		stats.AuditEntries = tx.Bucket(AuditBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return nil, err
	}

	if fi, err := os.Stat(s.path); err == nil {
		stats.DatabaseBytes = fi.Size()
	}
	return stats, nil
}
