// internal/sshpool/client.go
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"bastion/internal/database"
	"bastion/internal/metrics"
)

// Credentials carries decrypted auth material for one dial. It never
// outlives the call that uses it.
type Credentials struct {
	Password   string
	PrivateKey string
}

// Conn is the subset of *ssh.Client the pool relies on. Tests substitute
// fakes; production code always holds a real client.
type Conn interface {
	NewSession() (*ssh.Session, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Close() error
}

// Dialer establishes a connection to a server and reports the host-key
// fingerprint it observed. Injectable so pool behavior is testable without
// a live SSH endpoint.
type Dialer func(ctx context.Context, server *database.Server, creds Credentials) (Conn, string, error)

// FingerprintMismatchError reports a host presenting a key other than the
// one pinned at registration. Never retried automatically.
type FingerprintMismatchError struct {
	Expected string
	Got      string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("host key fingerprint mismatch: pinned %s, host presented %s", e.Expected, e.Got)
}

// IsFingerprintMismatch reports whether err is a pinning failure.
func IsFingerprintMismatch(err error) bool {
	var mismatch *FingerprintMismatchError
	return errors.As(err, &mismatch)
}

// NewDialer returns the production Dialer. The host-key callback captures
// the SHA256 fingerprint on every handshake and rejects the connection when
// the server carries a pin that does not match.
func NewDialer(connectTimeout time.Duration) Dialer {
	return func(ctx context.Context, server *database.Server, creds Credentials) (Conn, string, error) {
		auth, err := buildAuthMethods(server.AuthType, creds)
		if err != nil {
			metrics.SSHDials.WithLabelValues("error").Inc()
			return nil, "", err
		}

		var fingerprint string
		var mismatch error
		hostKeyCallback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			fingerprint = ssh.FingerprintSHA256(key)
			if server.Fingerprint != "" && fingerprint != server.Fingerprint {
				mismatch = &FingerprintMismatchError{Expected: server.Fingerprint, Got: fingerprint}
				return mismatch
			}
			return nil
		}

		config := &ssh.ClientConfig{
			User:            server.Username,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
			Timeout:         connectTimeout,
		}

		addr := net.JoinHostPort(server.Host, strconv.Itoa(server.Port))
		client, err := dialContext(ctx, addr, config, connectTimeout)
		if err != nil {
			// The ssh package wraps callback errors; surface the typed
			// mismatch captured in the closure instead.
			if mismatch != nil {
				metrics.SSHDials.WithLabelValues("fingerprint_mismatch").Inc()
				return nil, fingerprint, mismatch
			}
			metrics.SSHDials.WithLabelValues("error").Inc()
			return nil, "", fmt.Errorf("ssh dial %s: %w", addr, err)
		}

		metrics.SSHDials.WithLabelValues("ok").Inc()
		return client, fingerprint, nil
	}
}

// dialContext runs the TCP connect and SSH handshake honoring ctx in
// addition to the handshake timeout.
func dialContext(ctx context.Context, addr string, config *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func buildAuthMethods(authType string, creds Credentials) ([]ssh.AuthMethod, error) {
	switch authType {
	case "key":
		if creds.PrivateKey == "" {
			return nil, fmt.Errorf("auth type is key but no private key is stored")
		}
		signer, err := ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case "password", "":
		if creds.Password == "" {
			return nil, fmt.Errorf("auth type is password but no password is stored")
		}
		return []ssh.AuthMethod{ssh.Password(creds.Password)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", authType)
	}
}

// TestResult reports the outcome of a one-off connection test.
type TestResult struct {
	Fingerprint string `json:"fingerprint"`
	LatencyMs   int64  `json:"latency_ms"`
	Output      string `json:"output"`
}

// TestConnection dials outside the pool, runs a trivial command and tears
// the connection down again. Used at registration time and by the explicit
// test endpoint; it is how a fingerprint is first captured.
func TestConnection(ctx context.Context, dialer Dialer, server *database.Server, creds Credentials) (*TestResult, error) {
	start := time.Now()
	conn, fingerprint, err := dialer(ctx, server, creds)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	output, exitCode, err := Run(ctx, conn, "echo ok", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connection established but command failed: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("test command exited with status %d", exitCode)
	}

	return &TestResult{
		Fingerprint: fingerprint,
		LatencyMs:   time.Since(start).Milliseconds(),
		Output:      output,
	}, nil
}
