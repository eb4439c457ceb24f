// internal/dbproxy/proxy.go
package dbproxy

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bastion/internal/config"

	// Drivers for the configured target kinds.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
)

const (
	maxResultRows = 500
	queryTimeout  = 10 * time.Second
)

// sql.Open driver names per configured driver kind.
var driverNames = map[string]string{
	"postgres":  "postgres",
	"mysql":     "mysql",
	"sqlserver": "sqlserver",
	"sqlite":    "sqlite3",
}

// TargetInfo is the client-visible description of a target. DSNs stay
// server-side.
type TargetInfo struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`
}

// QueryResult is the rendered outcome of a read query.
type QueryResult struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
	// Truncated is set when the result hit the row cap.
	Truncated bool `json:"truncated,omitempty"`
}

// TableInfo is one catalog entry.
type TableInfo struct {
	Name     string `json:"name"`
	RowCount int64  `json:"row_count"`
}

// TargetStats reports connection-pool numbers for one target.
type TargetStats struct {
	Name            string `json:"name"`
	Driver          string `json:"driver"`
	Reachable       bool   `json:"reachable"`
	Error           string `json:"error,omitempty"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
}

type target struct {
	cfg config.TargetConfig

	mu sync.Mutex
	db *sql.DB
}

func (t *target) open() (*sql.DB, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db != nil {
		return t.db, nil
	}

	db, err := sql.Open(driverNames[t.cfg.Driver], t.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s target %s: %w", t.cfg.Driver, t.cfg.Name, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	t.db = db
	return db, nil
}

// Proxy exposes named external databases through a guarded, read-only
// query surface. Connections are opened lazily and cached per target.
type Proxy struct {
	guard   Guard
	targets map[string]*target
	order   []string
	log     *logrus.Entry
}

func New(targets []config.TargetConfig) *Proxy {
	p := &Proxy{
		targets: make(map[string]*target, len(targets)),
		log:     logrus.WithField("component", "dbproxy"),
	}
	for _, cfg := range targets {
		p.targets[cfg.Name] = &target{cfg: cfg}
		p.order = append(p.order, cfg.Name)
	}
	return p
}

// Targets lists the configured targets in config order.
func (p *Proxy) Targets() []TargetInfo {
	infos := make([]TargetInfo, 0, len(p.order))
	for _, name := range p.order {
		infos = append(infos, TargetInfo{Name: name, Driver: p.targets[name].cfg.Driver})
	}
	return infos
}

func (p *Proxy) target(name string) (*target, error) {
	t, ok := p.targets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}
	return t, nil
}

// Query runs one guarded read statement against a target. The guard runs
// before any connection is touched, so a blocked statement can never
// partially execute.
func (p *Proxy) Query(ctx context.Context, targetName, query string) (*QueryResult, error) {
	if err := p.guard.Check(query); err != nil {
		return nil, err
	}

	t, err := p.target(targetName)
	if err != nil {
		return nil, err
	}
	db, err := t.open()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	return renderRows(rows)
}

// Tables lists the target's catalog with row counts.
func (p *Proxy) Tables(ctx context.Context, targetName string) ([]TableInfo, error) {
	t, err := p.target(targetName)
	if err != nil {
		return nil, err
	}
	db, err := t.open()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, catalogQuery(t.cfg.Driver))
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	infos := make([]TableInfo, 0, len(names))
	for _, name := range names {
		info := TableInfo{Name: name, RowCount: -1}
		var count int64
		err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(t.cfg.Driver, name)).Scan(&count)
		if err == nil {
			info.RowCount = count
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// TableRows returns a page of rows from one table. The name must match the
// identifier shape AND exist in the live catalog before it is interpolated,
// quoted, into the query.
func (p *Proxy) TableRows(ctx context.Context, targetName, tableName string, limit, offset int) (*QueryResult, error) {
	if err := p.guard.CheckIdent(tableName); err != nil {
		return nil, err
	}

	tables, err := p.Tables(ctx, targetName)
	if err != nil {
		return nil, err
	}
	known := false
	for _, t := range tables {
		if t.Name == tableName {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("table %q not found in target %q", tableName, targetName)
	}

	if limit < 1 || limit > maxResultRows {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	t, err := p.target(targetName)
	if err != nil {
		return nil, err
	}
	db, err := t.open()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, pageQuery(t.cfg.Driver, tableName, limit, offset))
	if err != nil {
		return nil, fmt.Errorf("failed to query table: %w", err)
	}
	defer rows.Close()

	return renderRows(rows)
}

// Stats pings one target and reports its pool numbers.
func (p *Proxy) Stats(ctx context.Context, targetName string) (*TargetStats, error) {
	t, err := p.target(targetName)
	if err != nil {
		return nil, err
	}

	stats := &TargetStats{Name: t.cfg.Name, Driver: t.cfg.Driver}
	db, err := t.open()
	if err != nil {
		stats.Error = err.Error()
		return stats, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		stats.Error = err.Error()
	} else {
		stats.Reachable = true
	}

	s := db.Stats()
	stats.OpenConnections = s.OpenConnections
	stats.InUse = s.InUse
	stats.Idle = s.Idle
	return stats, nil
}

// Close releases every opened target connection.
func (p *Proxy) Close() {
	for _, t := range p.targets {
		t.mu.Lock()
		if t.db != nil {
			t.db.Close()
			t.db = nil
		}
		t.mu.Unlock()
	}
}

func renderRows(rows *sql.Rows) (*QueryResult, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Columns: columns, Rows: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			// drivers hand back []byte for text-ish columns
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result.Rows = append(result.Rows, row)

		if len(result.Rows) >= maxResultRows {
			result.Truncated = rows.Next()
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

func catalogQuery(driver string) string {
	switch driver {
	case "postgres":
		return `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' ORDER BY table_name`
	case "mysql":
		return `SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() ORDER BY table_name`
	case "sqlserver":
		return `SELECT table_name FROM information_schema.tables WHERE table_type = 'BASE TABLE' ORDER BY table_name`
	default: // sqlite
		return `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	}
}

func quoteIdent(driver, name string) string {
	switch driver {
	case "mysql":
		return "`" + name + "`"
	case "sqlserver":
		return "[" + name + "]"
	default:
		return `"` + name + `"`
	}
}

func pageQuery(driver, table string, limit, offset int) string {
	ident := quoteIdent(driver, table)
	if driver == "sqlserver" {
		return fmt.Sprintf("SELECT * FROM %s ORDER BY 1 OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", ident, offset, limit)
	}
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d OFFSET %d", ident, limit, offset)
}
