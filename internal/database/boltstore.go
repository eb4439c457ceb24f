// internal/database/boltstore.go - BoltDB implementation: servers, crons, history, monitors, pings
package database

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	ServersBucket    = []byte("servers")
	CronsBucket      = []byte("crons")
	HistoryBucket    = []byte("history")
	MonitorsBucket   = []byte("monitors")
	PingsBucket      = []byte("pings")
	SSLCertsBucket   = []byte("ssl_certs")
	AlertRulesBucket = []byte("alert_rules")
	AlertsBucket     = []byte("alerts")
	MetricsBucket    = []byte("server_metrics")
	AuditBucket      = []byte("audit")
	SettingsBucket   = []byte("settings")
)

// errLimitReached aborts a ForEach scan early once a filter limit is hit.
var errLimitReached = errors.New("limit reached")

type BoltStore struct {
	db   *bbolt.DB
	path string
}

func NewBoltStore(path string) (Store, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	store := &BoltStore{db: db, path: path}

	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return store, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			ServersBucket, CronsBucket, HistoryBucket, MonitorsBucket,
			PingsBucket, SSLCertsBucket, AlertRulesBucket, AlertsBucket,
			MetricsBucket, AuditBucket, SettingsBucket,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// seriesKey builds the key for append-only time-series buckets. The
// zero-padded nanosecond timestamp keeps cursor order equal to insertion
// order within one parent prefix.
func seriesKey(parentID string, ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s:%020d:%s", parentID, ts.UnixNano(), id))
}

// prefixEnd returns the first key after all keys carrying the prefix.
// ';' is the byte after ':' so "id;" sorts just past "id:...".
func prefixEnd(parentID string) []byte {
	return []byte(parentID + ";")
}

// getByID unmarshals the value stored under id in bucket, or ErrNotFound.
func (s *BoltStore) getByID(bucket []byte, id string, out interface{}) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%s %s: %w", bucket, id, ErrNotFound)
		}
		return json.Unmarshal(v, out)
	})
}

// putByID marshals value and stores it under id in bucket.
func (s *BoltStore) putByID(bucket []byte, id string, value interface{}) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", bucket, err)
		}
		return tx.Bucket(bucket).Put([]byte(id), data)
	})
}

// deleteByID removes id from bucket, failing with ErrNotFound when absent.
func (s *BoltStore) deleteByID(bucket []byte, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%s %s: %w", bucket, id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

// --- Servers ---

func (s *BoltStore) GetServers(ctx context.Context) ([]Server, error) {
	var servers []Server

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ServersBucket)
		return b.ForEach(func(k, v []byte) error {
			var server Server
			if err := json.Unmarshal(v, &server); err != nil {
				return fmt.Errorf("failed to unmarshal server %s: %w", k, err)
			}
			servers = append(servers, server)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(servers, func(i, j int) bool {
		return servers[i].CreatedAt.Before(servers[j].CreatedAt)
	})
	return servers, nil
}

func (s *BoltStore) GetServer(ctx context.Context, id string) (*Server, error) {
	var server Server
	if err := s.getByID(ServersBucket, id, &server); err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *BoltStore) FindServerByEndpoint(ctx context.Context, host string, port int, username string) (*Server, error) {
	var found *Server

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ServersBucket)
		return b.ForEach(func(k, v []byte) error {
			var server Server
			if err := json.Unmarshal(v, &server); err != nil {
				return nil // skip malformed entries
			}
			if server.Host == host && server.Port == port && server.Username == username {
				found = &server
				return errLimitReached
			}
			return nil
		})
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("server %s@%s:%d: %w", username, host, port, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) CreateServer(ctx context.Context, server *Server) error {
	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	server.CreatedAt = time.Now()
	server.UpdatedAt = server.CreatedAt
	if server.Status == "" {
		server.Status = "unknown"
	}
	return s.putByID(ServersBucket, server.ID, server)
}

func (s *BoltStore) UpdateServer(ctx context.Context, server *Server) error {
	server.UpdatedAt = time.Now()
	return s.putByID(ServersBucket, server.ID, server)
}

// DeleteServer removes the server and cascades to its cron jobs, command
// history and metrics samples. Audit entries referencing the server survive.
func (s *BoltStore) DeleteServer(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ServersBucket)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("server %s: %w", id, ErrNotFound)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}

		// Cascade: cron jobs of this server.
		crons := tx.Bucket(CronsBucket)
		var cronKeys [][]byte
		if err := crons.ForEach(func(k, v []byte) error {
			var job CronJob
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}
			if job.ServerID == id {
				cronKeys = append(cronKeys, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range cronKeys {
			if err := crons.Delete(k); err != nil {
				return err
			}
		}

		// Cascade: history and metrics time series.
		for _, bucket := range [][]byte{HistoryBucket, MetricsBucket} {
			if err := deletePrefix(tx.Bucket(bucket), []byte(id+":")); err != nil {
				return err
			}
		}
		return nil
	})
}

// deletePrefix removes every key in b carrying the prefix.
func deletePrefix(b *bbolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// --- Cron jobs ---

func (s *BoltStore) GetCronJobs(ctx context.Context) ([]CronJob, error) {
	return s.getCronJobs(func(CronJob) bool { return true })
}

func (s *BoltStore) GetCronJobsForServer(ctx context.Context, serverID string) ([]CronJob, error) {
	return s.getCronJobs(func(job CronJob) bool { return job.ServerID == serverID })
}

func (s *BoltStore) getCronJobs(match func(CronJob) bool) ([]CronJob, error) {
	var jobs []CronJob

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(CronsBucket)
		return b.ForEach(func(k, v []byte) error {
			var job CronJob
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("failed to unmarshal cron job %s: %w", k, err)
			}
			if match(job) {
				jobs = append(jobs, job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *BoltStore) GetCronJob(ctx context.Context, id string) (*CronJob, error) {
	var job CronJob
	if err := s.getByID(CronsBucket, id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) CreateCronJob(ctx context.Context, job *CronJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	return s.putByID(CronsBucket, job.ID, job)
}

func (s *BoltStore) UpdateCronJob(ctx context.Context, job *CronJob) error {
	job.UpdatedAt = time.Now()
	return s.putByID(CronsBucket, job.ID, job)
}

func (s *BoltStore) DeleteCronJob(ctx context.Context, id string) error {
	return s.deleteByID(CronsBucket, id)
}

// --- Command history ---

func (s *BoltStore) AppendHistory(ctx context.Context, entry *CommandHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal history entry: %w", err)
		}
		key := seriesKey(entry.ServerID, entry.StartedAt, entry.ID)
		return tx.Bucket(HistoryBucket).Put(key, data)
	})
}

// GetHistory returns entries for a server, newest first.
func (s *BoltStore) GetHistory(ctx context.Context, filters HistoryFilters) ([]CommandHistoryEntry, error) {
	var entries []CommandHistoryEntry

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(HistoryBucket)
		return scanPrefixReverse(b, filters.ServerID, filters.Limit, func(v []byte) error {
			var entry CommandHistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // skip malformed entries
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

// GetFavoriteHistory returns every favorited entry across all servers,
// newest first.
func (s *BoltStore) GetFavoriteHistory(ctx context.Context) ([]CommandHistoryEntry, error) {
	var entries []CommandHistoryEntry

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(HistoryBucket).ForEach(func(k, v []byte) error {
			var entry CommandHistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if entry.IsFavorite {
				entries = append(entries, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartedAt.After(entries[j].StartedAt)
	})
	return entries, nil
}

// ToggleHistoryFavorite flips the favorite flag on a history entry,
// addressed by entry ID rather than series key.
func (s *BoltStore) ToggleHistoryFavorite(ctx context.Context, id string) (*CommandHistoryEntry, error) {
	return s.updateHistoryEntry(id, func(e *CommandHistoryEntry) {
		e.IsFavorite = !e.IsFavorite
	})
}

func (s *BoltStore) SetHistoryFavorite(ctx context.Context, id string, favorite bool) (*CommandHistoryEntry, error) {
	return s.updateHistoryEntry(id, func(e *CommandHistoryEntry) {
		e.IsFavorite = favorite
	})
}

func (s *BoltStore) updateHistoryEntry(id string, mutate func(*CommandHistoryEntry)) (*CommandHistoryEntry, error) {
	var updated *CommandHistoryEntry

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(HistoryBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry CommandHistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if entry.ID != id {
				continue
			}

			mutate(&entry)
			data, err := json.Marshal(&entry)
			if err != nil {
				return fmt.Errorf("failed to marshal history entry: %w", err)
			}
			if err := b.Put(append([]byte(nil), k...), data); err != nil {
				return err
			}
			updated = &entry
			return nil
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// scanPrefixReverse walks a time-series bucket newest-first within one
// parent prefix, stopping after limit items (0 = unlimited).
func scanPrefixReverse(b *bbolt.Bucket, parentID string, limit int, fn func(v []byte) error) error {
	prefix := []byte(parentID + ":")
	c := b.Cursor()

	k, v := c.Seek(prefixEnd(parentID))
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}

	count := 0
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
		if err := fn(v); err != nil {
			return err
		}
		count++
		if limit > 0 && count >= limit {
			return nil
		}
	}
	return nil
}

// --- Monitors ---

func (s *BoltStore) GetMonitors(ctx context.Context) ([]Monitor, error) {
	var monitors []Monitor

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(MonitorsBucket)
		return b.ForEach(func(k, v []byte) error {
			var monitor Monitor
			if err := json.Unmarshal(v, &monitor); err != nil {
				return fmt.Errorf("failed to unmarshal monitor %s: %w", k, err)
			}
			monitors = append(monitors, monitor)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(monitors, func(i, j int) bool {
		return monitors[i].CreatedAt.Before(monitors[j].CreatedAt)
	})
	return monitors, nil
}

func (s *BoltStore) GetMonitor(ctx context.Context, id string) (*Monitor, error) {
	var monitor Monitor
	if err := s.getByID(MonitorsBucket, id, &monitor); err != nil {
		return nil, err
	}
	return &monitor, nil
}

func (s *BoltStore) CreateMonitor(ctx context.Context, monitor *Monitor) error {
	if monitor.ID == "" {
		monitor.ID = uuid.New().String()
	}
	monitor.CreatedAt = time.Now()
	monitor.UpdatedAt = monitor.CreatedAt
	if monitor.State == "" {
		monitor.State = "unknown"
	}
	return s.putByID(MonitorsBucket, monitor.ID, monitor)
}

func (s *BoltStore) UpdateMonitor(ctx context.Context, monitor *Monitor) error {
	monitor.UpdatedAt = time.Now()
	return s.putByID(MonitorsBucket, monitor.ID, monitor)
}

// DeleteMonitor removes the monitor and its ping series.
func (s *BoltStore) DeleteMonitor(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(MonitorsBucket)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("monitor %s: %w", id, ErrNotFound)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return deletePrefix(tx.Bucket(PingsBucket), []byte(id+":"))
	})
}

// --- Monitor pings ---

func (s *BoltStore) AppendPing(ctx context.Context, ping *MonitorPing) error {
	if ping.Timestamp.IsZero() {
		ping.Timestamp = time.Now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(ping)
		if err != nil {
			return fmt.Errorf("failed to marshal ping: %w", err)
		}
		key := seriesKey(ping.MonitorID, ping.Timestamp, uuid.New().String()[:8])
		return tx.Bucket(PingsBucket).Put(key, data)
	})
}

// GetPings returns probe results for a monitor, newest first.
func (s *BoltStore) GetPings(ctx context.Context, filters PingFilters) ([]MonitorPing, error) {
	var pings []MonitorPing

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(PingsBucket)
		return scanPrefixReverse(b, filters.MonitorID, filters.Limit, func(v []byte) error {
			var ping MonitorPing
			if err := json.Unmarshal(v, &ping); err != nil {
				return nil
			}
			pings = append(pings, ping)
			return nil
		})
	})
	return pings, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
