// internal/sshpool/pool.go
package sshpool

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bastion/internal/database"
	"bastion/internal/metrics"
)

const keepAliveRequest = "keepalive@bastion"

// entry owns at most one live connection to one server. The semaphore token
// doubles as the single-flight guard: only the holder may dial, use or
// replace the connection, so concurrent acquirers wait on one attempt
// instead of racing to open their own.
type entry struct {
	sem chan struct{} // capacity 1

	mu          sync.Mutex
	conn        Conn
	fingerprint string
	lastUsed    time.Time
}

func (e *entry) get() (Conn, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn, e.fingerprint
}

func (e *entry) set(conn Conn, fingerprint string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conn = conn
	e.fingerprint = fingerprint
	e.lastUsed = time.Now()
}

func (e *entry) touch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = time.Now()
}

// Pool maintains one reusable SSH connection per server, created lazily and
// borrowed exclusively for the duration of one command.
type Pool struct {
	dialer      Dialer
	idleTimeout time.Duration
	keepAlive   time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	stop chan struct{}
	wg   sync.WaitGroup
	log  *logrus.Entry
}

func NewPool(dialer Dialer, idleTimeout, keepAlive time.Duration) *Pool {
	p := &Pool{
		dialer:      dialer,
		idleTimeout: idleTimeout,
		keepAlive:   keepAlive,
		entries:     make(map[string]*entry),
		stop:        make(chan struct{}),
		log:         logrus.WithField("component", "sshpool"),
	}

	p.wg.Add(1)
	go p.maintenanceLoop()
	return p
}

func (p *Pool) entryFor(serverID string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[serverID]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		p.entries[serverID] = e
	}
	return e
}

// Acquire returns a live connection for exclusive use, dialing if none is
// pooled. Callers must Release with the same server id exactly once. The
// reported fingerprint lets callers pin it on first connect.
func (p *Pool) Acquire(ctx context.Context, server *database.Server, creds Credentials) (Conn, string, error) {
	e := p.entryFor(server.ID)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}

	if conn, fingerprint := e.get(); conn != nil {
		if p.isAlive(conn) {
			e.touch()
			return conn, fingerprint, nil
		}
		p.log.WithField("server", server.Name).Debug("pooled connection dead, redialing")
		conn.Close()
		e.set(nil, "")
		metrics.SSHConnectionsActive.Dec()
	}

	conn, fingerprint, err := p.dialer(ctx, server, creds)
	if err != nil {
		<-e.sem
		return nil, "", err
	}

	e.set(conn, fingerprint)
	metrics.SSHConnectionsActive.Inc()
	p.log.WithFields(logrus.Fields{
		"server": server.Name,
		"host":   server.Host,
	}).Debug("established ssh connection")
	return conn, fingerprint, nil
}

// Release returns a borrowed connection to the pool. Safe to call after the
// connection was evicted.
func (p *Pool) Release(serverID string) {
	p.mu.Lock()
	e := p.entries[serverID]
	p.mu.Unlock()
	if e == nil {
		return
	}

	e.touch()
	select {
	case <-e.sem:
	default:
	}
}

// Evict drops any pooled connection for a server immediately. Used on
// server removal, credential updates and fatal connection errors.
func (p *Pool) Evict(serverID string) {
	p.mu.Lock()
	e := p.entries[serverID]
	delete(p.entries, serverID)
	p.mu.Unlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
		metrics.SSHConnectionsActive.Dec()
	}
	e.mu.Unlock()
}

// CloseAll tears down the pool and stops the maintenance loop.
func (p *Pool) CloseAll() {
	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.conn != nil {
			e.conn.Close()
			e.conn = nil
			metrics.SSHConnectionsActive.Dec()
		}
		e.mu.Unlock()
	}
}

// Size reports how many live connections are pooled.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range p.entries {
		e.mu.Lock()
		if e.conn != nil {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (p *Pool) isAlive(conn Conn) bool {
	_, _, err := conn.SendRequest(keepAliveRequest, true, nil)
	return err == nil
}

// maintenanceLoop sends keepalives on idle connections and evicts those
// past the idle timeout. Borrowed connections are left alone.
func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()

	interval := p.keepAlive
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	snapshot := make(map[string]*entry, len(p.entries))
	for id, e := range p.entries {
		snapshot[id] = e
	}
	p.mu.Unlock()

	for id, e := range snapshot {
		select {
		case e.sem <- struct{}{}:
		default:
			continue // borrowed; skip
		}

		e.mu.Lock()
		conn := e.conn
		idle := time.Since(e.lastUsed)
		e.mu.Unlock()

		if conn == nil {
			<-e.sem
			continue
		}

		if idle > p.idleTimeout {
			p.log.WithField("server_id", id).Debug("evicting idle ssh connection")
			conn.Close()
			e.set(nil, "")
			metrics.SSHConnectionsActive.Dec()
			<-e.sem
			continue
		}

		if !p.isAlive(conn) {
			p.log.WithField("server_id", id).Debug("dropping dead ssh connection")
			conn.Close()
			e.set(nil, "")
			metrics.SSHConnectionsActive.Dec()
		}
		<-e.sem
	}
}
