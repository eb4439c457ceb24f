// internal/web/terminal.go
package web

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// terminalControl is the client-to-server control frame. Anything that does
// not parse as one is treated as raw keystrokes.
type terminalControl struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// handleTerminal bridges a browser terminal to an interactive SSH shell.
// The connection is dialed outside the pool: a shell session is long-lived
// and exclusively owned by this websocket.
func (s *Server) handleTerminal(c *gin.Context) {
	ctx := c.Request.Context()
	serverID := c.Param("id")

	conn, server, err := s.exec.DialDedicated(ctx, serverID)
	if err != nil {
		respondWithError(c, err, "Failed to open terminal")
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		conn.Close()
		logrus.WithError(err).Error("Failed to upgrade terminal websocket")
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"component": "terminal",
		"server":    server.Name,
		"actor":     actor(c),
	})

	session, err := conn.NewSession()
	if err != nil {
		failTerminal(ws, conn, "failed to open session: "+err.Error())
		return
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 40, 120, modes); err != nil {
		session.Close()
		failTerminal(ws, conn, "failed to request pty: "+err.Error())
		return
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		failTerminal(ws, conn, "failed to open stdin: "+err.Error())
		return
	}
	stdout, _ := session.StdoutPipe()
	stderr, _ := session.StderrPipe()

	if err := session.Shell(); err != nil {
		session.Close()
		failTerminal(ws, conn, "failed to start shell: "+err.Error())
		return
	}

	s.audit.Success(ctx, actor(c), "terminal.open", serverID, server.Name)
	log.Info("terminal session opened")

	done := make(chan struct{})
	var closeOnce sync.Once
	finish := func() { closeOnce.Do(func() { close(done) }) }

	// stdout and stderr pump concurrently; writes to the socket must not
	// interleave mid-frame.
	var writeMu sync.Mutex
	writeWS := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return ws.WriteMessage(websocket.BinaryMessage, data)
	}

	pump := func(r io.Reader) {
		defer finish()
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if werr := writeWS(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}
	go pump(stdout)
	go pump(stderr)

	// browser -> remote
	go func() {
		defer finish()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}

			var ctrl terminalControl
			if json.Unmarshal(data, &ctrl) == nil && ctrl.Type == "resize" && ctrl.Cols > 0 && ctrl.Rows > 0 {
				session.WindowChange(ctrl.Rows, ctrl.Cols)
				continue
			}

			if _, err := stdin.Write(data); err != nil {
				return
			}
		}
	}()

	<-done
	session.Close()
	ws.Close()
	conn.Close()
	log.Info("terminal session closed")
}

func failTerminal(ws *websocket.Conn, conn io.Closer, msg string) {
	ws.WriteMessage(websocket.TextMessage, []byte(msg+"\r\n"))
	ws.Close()
	conn.Close()
}
