// Package terminal serves interactive web terminals. Each websocket
// connection is authenticated, bound to one owned running instance,
// and bridged onto a TTY shell exec inside its container.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawdeploy/clawd/internal/docker"
	"github.com/clawdeploy/clawd/internal/log"
	"github.com/clawdeploy/clawd/internal/store"
)

// Terminal geometry bounds. Requests below the minimum fall back to
// the default size; requests above the maximum are clamped.
const (
	defaultCols = 120
	defaultRows = 32
	minCols     = 40
	minRows     = 10
	maxCols     = 400
	maxRows     = 200
)

var pathPattern = regexp.MustCompile(`^/ws/terminal/([a-zA-Z0-9_-]+)$`)

// TokenVerifier resolves a connection token to a caller identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// UserTokenVerifier accepts the caller's user id as the token. It is
// the development-mode verifier; production deployments substitute a
// session token verifier.
type UserTokenVerifier struct{}

// Verify implements TokenVerifier.
func (UserTokenVerifier) Verify(_ context.Context, token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if !strings.HasPrefix(trimmed, "user_") || len(trimmed) == len("user_") {
		return "", errors.New("invalid token")
	}
	return trimmed, nil
}

// Shell is the interactive session the server bridges onto.
type Shell interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, cols, rows uint) error
}

// Runtime opens shells inside containers.
type Runtime interface {
	ShellStream(ctx context.Context, containerID string) (Shell, error)
}

// DockerRuntime adapts the container runtime client to Runtime.
type DockerRuntime struct {
	Client *docker.Client
}

// ShellStream implements Runtime.
func (d DockerRuntime) ShellStream(ctx context.Context, containerID string) (Shell, error) {
	return d.Client.ShellStream(ctx, containerID)
}

// Server is the websocket terminal server.
type Server struct {
	store    *store.Store
	runtime  Runtime
	verifier TokenVerifier
	upgrader websocket.Upgrader
}

// NewServer wires a terminal Server.
func NewServer(st *store.Store, runtime Runtime, verifier TokenVerifier) *Server {
	return &Server{
		store:    st,
		runtime:  runtime,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The dashboard and the terminal server run on separate
			// origins behind the same proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler: a health document at / and the
// websocket endpoint under /ws/terminal/.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if pathPattern.MatchString(r.URL.Path) {
			s.serveTerminal(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"service":"clawd terminal","status":"ok"}`)
	})
	return mux
}

func (s *Server) serveTerminal(w http.ResponseWriter, r *http.Request) {
	instanceID := pathPattern.FindStringSubmatch(r.URL.Path)[1]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("terminal upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	token := r.URL.Query().Get("token")
	if token == "" {
		closeWithError(conn, websocket.ClosePolicyViolation, "authentication required")
		return
	}
	userID, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		closeWithError(conn, websocket.ClosePolicyViolation, "invalid token")
		return
	}

	containerID, err := s.lookupContainer(instanceID, userID)
	if err != nil {
		closeWithError(conn, websocket.ClosePolicyViolation, "instance not found or not running")
		return
	}

	shell, err := s.runtime.ShellStream(context.Background(), containerID)
	if err != nil {
		log.Error("starting terminal shell", "instance_id", instanceID, "error", err)
		closeWithError(conn, websocket.CloseInternalServerErr, "failed to start terminal session")
		return
	}
	defer shell.Close()

	// Initial resize may fail briefly while the PTY boots.
	_ = shell.Resize(context.Background(), defaultCols, defaultRows)

	log.Info("terminal connected", "instance_id", instanceID, "user_id", userID)
	s.bridge(conn, shell)
	log.Info("terminal disconnected", "instance_id", instanceID)
}

// lookupContainer resolves the instance for the caller. Ownership
// mismatch reads the same as absence.
func (s *Server) lookupContainer(instanceID, userID string) (string, error) {
	inst, err := s.store.GetOwnedInstance(instanceID, userID)
	if err != nil {
		return "", err
	}
	if inst.Status != store.StatusRunning || inst.ContainerID == nil {
		return "", store.ErrNotFound
	}
	return *inst.ContainerID, nil
}

// bridge copies bytes both ways until either side ends. Shell output
// goes out as binary frames; inbound frames are resize controls or raw
// input.
func (s *Server) bridge(conn *websocket.Conn, shell Shell) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := shell.Read(buf)
			if n > 0 {
				if writeErr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); writeErr != nil {
					return
				}
			}
			if err != nil {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if cols, rows, ok := parseResize(data); ok {
			if err := shell.Resize(context.Background(), uint(cols), uint(rows)); err != nil {
				log.Debug("terminal resize failed", "error", err)
			}
			continue
		}
		if _, err := shell.Write(data); err != nil {
			break
		}
	}

	// Socket side is finished; tearing down the shell unblocks the
	// reader goroutine.
	shell.Close()
	<-done
}

type resizeFrame struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// parseResize recognizes JSON resize control frames. Anything else is
// shell input, including unparseable text starting with "{".
func parseResize(data []byte) (cols, rows int, ok bool) {
	if len(data) == 0 || data[0] != '{' {
		return 0, 0, false
	}
	var frame resizeFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "resize" {
		return 0, 0, false
	}
	cols, rows = normalizeSize(frame.Cols, frame.Rows)
	return cols, rows, true
}

// normalizeSize keeps terminal geometry inside safe bounds.
func normalizeSize(cols, rows int) (int, int) {
	if cols < minCols || rows < minRows {
		return defaultCols, defaultRows
	}
	return min(cols, maxCols), min(rows, maxRows)
}

func closeWithError(conn *websocket.Conn, code int, message string) {
	frame, _ := json.Marshal(map[string]string{"type": "error", "message": message})
	_ = conn.WriteMessage(websocket.TextMessage, frame)
	msg := websocket.FormatCloseMessage(code, message)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
