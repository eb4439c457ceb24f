// internal/executor/executor.go
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bastion/internal/audit"
	"bastion/internal/crypto"
	"bastion/internal/database"
	"bastion/internal/metrics"
	"bastion/internal/sshpool"
)

// maxOutputBytes caps what one history entry stores. Runaway commands keep
// their head, plus a truncation marker.
const maxOutputBytes = 1 << 20

// ConnectivityError means the command never ran because the server could
// not be reached or authenticated against.
type ConnectivityError struct {
	Server string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("server %s unreachable: %v", e.Server, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// Result is the outcome of one command execution. A non-zero ExitCode is
// data, not an error: the remote status when the command ran, -1 when it
// could not run, -2 when it timed out.
type Result struct {
	Output     string    `json:"output"`
	ExitCode   int       `json:"exit_code"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

type runFunc func(ctx context.Context, conn sshpool.Conn, command string, input []byte, timeout time.Duration) (string, int, error)

// Executor runs commands on managed servers through the connection pool and
// records every attempt in command history.
type Executor struct {
	store          database.Store
	pool           *sshpool.Pool
	dialer         sshpool.Dialer
	enc            *crypto.Encryptor
	audit          *audit.Recorder
	defaultTimeout time.Duration
	run            runFunc
	log            *logrus.Entry
}

func New(store database.Store, pool *sshpool.Pool, dialer sshpool.Dialer, enc *crypto.Encryptor, rec *audit.Recorder, defaultTimeout time.Duration) *Executor {
	return &Executor{
		store:          store,
		pool:           pool,
		dialer:         dialer,
		enc:            enc,
		audit:          rec,
		defaultTimeout: defaultTimeout,
		run:            sshpool.RunWithInput,
		log:            logrus.WithField("component", "executor"),
	}
}

// Exec runs a command on a server. Once the server is resolved, exactly one
// history entry is written no matter how the attempt ends.
func (e *Executor) Exec(ctx context.Context, serverID, command string, timeout time.Duration, actor string) (*Result, error) {
	return e.exec(ctx, serverID, command, nil, timeout, actor)
}

// ExecWithInput runs a command with data piped to its stdin.
func (e *Executor) ExecWithInput(ctx context.Context, serverID, command string, input []byte, timeout time.Duration, actor string) (*Result, error) {
	return e.exec(ctx, serverID, command, input, timeout, actor)
}

func (e *Executor) exec(ctx context.Context, serverID, command string, input []byte, timeout time.Duration, actor string) (*Result, error) {
	server, err := e.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	started := time.Now()

	creds, err := e.CredentialsFor(server)
	if err != nil {
		e.finish(ctx, server, command, started, err.Error(), sshpool.ExitUnreachable, actor, false)
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}

	conn, fingerprint, err := e.pool.Acquire(ctx, server, creds)
	if err != nil {
		e.finish(ctx, server, command, started, err.Error(), sshpool.ExitUnreachable, actor, false)
		return nil, &ConnectivityError{Server: server.Name, Err: err}
	}
	defer e.pool.Release(server.ID)

	e.pinFingerprint(ctx, server, fingerprint)

	output, code, err := e.run(ctx, conn, command, input, timeout)
	result := &Result{
		Output:     output,
		ExitCode:   code,
		StartedAt:  started,
		DurationMs: time.Since(started).Milliseconds(),
	}

	switch {
	case err == nil:
		e.finish(ctx, server, command, started, output, code, actor, true)
		return result, nil
	case err == sshpool.ErrTimeout:
		// the timeout verdict is carried in the exit code
		e.finish(ctx, server, command, started, output, code, actor, true)
		return result, nil
	default:
		e.pool.Evict(server.ID)
		e.finish(ctx, server, command, started, output+"\n"+err.Error(), code, actor, false)
		return nil, &ConnectivityError{Server: server.Name, Err: err}
	}
}

// finish writes the history entry, metrics and audit record for one attempt.
func (e *Executor) finish(ctx context.Context, server *database.Server, command string, started time.Time, output string, code int, actor string, ran bool) {
	duration := time.Since(started)
	entry := &database.CommandHistoryEntry{
		ID:         uuid.New().String(),
		ServerID:   server.ID,
		Command:    command,
		Output:     truncateOutput(output),
		ExitCode:   code,
		Executor:   actor,
		StartedAt:  started,
		DurationMs: duration.Milliseconds(),
	}
	if err := e.store.AppendHistory(ctx, entry); err != nil {
		e.log.WithError(err).WithField("server", server.Name).Error("failed to append command history")
	}

	metrics.RecordCommand(code, duration)

	detail := fmt.Sprintf("%s (exit %d)", truncateCommand(command), code)
	if ran {
		e.audit.Success(ctx, actor, audit.ActionCommandRun, server.Name, detail)
	} else {
		e.audit.Failure(ctx, actor, audit.ActionCommandRun, server.Name, detail)
	}

	e.log.WithFields(logrus.Fields{
		"server":      server.Name,
		"exit_code":   code,
		"duration_ms": duration.Milliseconds(),
		"executor":    actor,
	}).Info("command executed")
}

// pinFingerprint persists the host key seen on first connect. Later
// connections are verified against it by the dialer.
func (e *Executor) pinFingerprint(ctx context.Context, server *database.Server, fingerprint string) {
	if server.Fingerprint != "" || fingerprint == "" {
		return
	}
	server.Fingerprint = fingerprint
	server.UpdatedAt = time.Now()
	if err := e.store.UpdateServer(ctx, server); err != nil {
		e.log.WithError(err).WithField("server", server.Name).Warn("failed to pin host key fingerprint")
		return
	}
	e.log.WithFields(logrus.Fields{
		"server":      server.Name,
		"fingerprint": fingerprint,
	}).Info("pinned host key on first connect")
}

// CredentialsFor decrypts the stored credentials for a server.
func (e *Executor) CredentialsFor(server *database.Server) (sshpool.Credentials, error) {
	var creds sshpool.Credentials
	switch server.AuthType {
	case "key":
		key, err := e.enc.Decrypt(server.EncryptedKey)
		if err != nil {
			return creds, err
		}
		creds.PrivateKey = key
	default:
		password, err := e.enc.Decrypt(server.EncryptedPassword)
		if err != nil {
			return creds, err
		}
		creds.Password = password
	}
	return creds, nil
}

// System runs a command through the pool without recording command history
// or audit entries. Used by internal collectors; user-facing execution goes
// through Exec so every operator command leaves a trace.
func (e *Executor) System(ctx context.Context, serverID, command string, timeout time.Duration) (*Result, error) {
	server, err := e.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	started := time.Now()

	creds, err := e.CredentialsFor(server)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}

	conn, fingerprint, err := e.pool.Acquire(ctx, server, creds)
	if err != nil {
		return nil, &ConnectivityError{Server: server.Name, Err: err}
	}
	defer e.pool.Release(server.ID)

	e.pinFingerprint(ctx, server, fingerprint)

	output, code, err := e.run(ctx, conn, command, nil, timeout)
	if err != nil && err != sshpool.ErrTimeout {
		e.pool.Evict(server.ID)
		return nil, &ConnectivityError{Server: server.Name, Err: err}
	}

	return &Result{
		Output:     output,
		ExitCode:   code,
		StartedAt:  started,
		DurationMs: time.Since(started).Milliseconds(),
	}, nil
}

// Test opens a fresh connection to verify reachability and credentials,
// pinning the fingerprint on first success.
func (e *Executor) Test(ctx context.Context, serverID string) (*sshpool.TestResult, error) {
	server, err := e.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	creds, err := e.CredentialsFor(server)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	result, err := sshpool.TestConnection(ctx, e.dialer, server, creds)
	if err != nil {
		return nil, &ConnectivityError{Server: server.Name, Err: err}
	}
	e.pinFingerprint(ctx, server, result.Fingerprint)
	return result, nil
}

// DialDedicated opens a connection outside the pool for long-lived
// interactive use. The caller owns it and must Close it.
func (e *Executor) DialDedicated(ctx context.Context, serverID string) (sshpool.Conn, *database.Server, error) {
	server, err := e.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, nil, err
	}
	creds, err := e.CredentialsFor(server)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	conn, fingerprint, err := e.dialer(ctx, server, creds)
	if err != nil {
		return nil, nil, &ConnectivityError{Server: server.Name, Err: err}
	}
	e.pinFingerprint(ctx, server, fingerprint)
	return conn, server, nil
}

// Pool exposes the underlying connection pool for lifecycle management.
func (e *Executor) Pool() *sshpool.Pool { return e.pool }

// Evict drops any pooled connection for a server. Called when a server is
// deleted or its credentials change.
func (e *Executor) Evict(serverID string) { e.pool.Evict(serverID) }

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... [output truncated]"
}

func truncateCommand(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
