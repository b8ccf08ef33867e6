package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdeploy/clawd/internal/store"
)

func TestNormalizeSize(t *testing.T) {
	tests := []struct {
		name               string
		cols, rows         int
		wantCols, wantRows int
	}{
		{"in range", 100, 30, 100, 30},
		{"below min cols", 10, 30, defaultCols, defaultRows},
		{"below min rows", 100, 5, defaultCols, defaultRows},
		{"above max clamped", 999, 999, maxCols, maxRows},
		{"zero", 0, 0, defaultCols, defaultRows},
		{"negative", -5, -5, defaultCols, defaultRows},
		{"exactly min", minCols, minRows, minCols, minRows},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cols, rows := normalizeSize(tt.cols, tt.rows)
			assert.Equal(t, tt.wantCols, cols)
			assert.Equal(t, tt.wantRows, rows)
		})
	}
}

func TestParseResize(t *testing.T) {
	cols, rows, ok := parseResize([]byte(`{"type":"resize","cols":90,"rows":24}`))
	require.True(t, ok)
	assert.Equal(t, 90, cols)
	assert.Equal(t, 24, rows)

	for _, raw := range []string{
		`ls -la`,
		`{"type":"other"}`,
		`{not json`,
		``,
	} {
		_, _, ok := parseResize([]byte(raw))
		assert.False(t, ok, "input %q", raw)
	}
}

func TestUserTokenVerifier(t *testing.T) {
	v := UserTokenVerifier{}

	userID, err := v.Verify(context.Background(), " user_abc123 ")
	require.NoError(t, err)
	assert.Equal(t, "user_abc123", userID)

	for _, token := range []string{"", "user_", "session_xyz", "abc"} {
		_, err := v.Verify(context.Background(), token)
		assert.Error(t, err, "token %q", token)
	}
}

type fakeShell struct {
	out *io.PipeReader

	mu      sync.Mutex
	written bytes.Buffer
	resizes [][2]uint
	closed  bool
}

func newFakeShell() (*fakeShell, *io.PipeWriter) {
	pr, pw := io.Pipe()
	return &fakeShell{out: pr}, pw
}

func (f *fakeShell) Read(p []byte) (int, error) { return f.out.Read(p) }

func (f *fakeShell) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}

func (f *fakeShell) Resize(_ context.Context, cols, rows uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint{cols, rows})
	return nil
}

func (f *fakeShell) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.out.Close()
	}
	return nil
}

func (f *fakeShell) input() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

func (f *fakeShell) sizes() [][2]uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint(nil), f.resizes...)
}

type fakeShellRuntime struct {
	shell *fakeShell
	err   error
}

func (f *fakeShellRuntime) ShellStream(context.Context, string) (Shell, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.shell, nil
}

type testEnv struct {
	server  *httptest.Server
	shell   *fakeShell
	shellIn *io.PipeWriter
	store   *store.Store
}

func newTestEnv(t *testing.T, runtimeErr error) *testEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	shell, pw := newFakeShell()
	srv := NewServer(st, &fakeShellRuntime{shell: shell, err: runtimeErr}, UserTokenVerifier{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { shell.Close() })

	return &testEnv{server: ts, shell: shell, shellIn: pw, store: st}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + path
}

func (e *testEnv) runningInstance(t *testing.T, userID string) *store.Instance {
	t.Helper()
	inst, err := e.store.CreateInstance(store.Instance{Name: "mybot", UserID: userID})
	require.NoError(t, err)
	require.NoError(t, e.store.SetInstanceRuntime(inst.ID, "ctr-1", 10500, "tok", store.StatusRunning))
	return inst
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readErrorFrame(t *testing.T, conn *websocket.Conn) (string, int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, "error", frame.Type)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	return frame.Message, closeErr.Code
}

func TestTerminal_MissingToken(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.wsURL("/ws/terminal/inst_ab12cd34ef56"))

	msg, code := readErrorFrame(t, conn)
	assert.Equal(t, "authentication required", msg)
	assert.Equal(t, websocket.ClosePolicyViolation, code)
}

func TestTerminal_InvalidToken(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.wsURL("/ws/terminal/inst_ab12cd34ef56?token=nope"))

	msg, code := readErrorFrame(t, conn)
	assert.Equal(t, "invalid token", msg)
	assert.Equal(t, websocket.ClosePolicyViolation, code)
}

func TestTerminal_UnknownInstance(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.wsURL("/ws/terminal/inst_ab12cd34ef56?token=user_abc"))

	msg, code := readErrorFrame(t, conn)
	assert.Equal(t, "instance not found or not running", msg)
	assert.Equal(t, websocket.ClosePolicyViolation, code)
}

func TestTerminal_ForeignOwnerReadsAsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	inst := env.runningInstance(t, "user_owner")

	conn := dial(t, env.wsURL("/ws/terminal/"+inst.ID+"?token=user_intruder"))
	msg, _ := readErrorFrame(t, conn)
	assert.Equal(t, "instance not found or not running", msg)
}

func TestTerminal_StoppedInstanceRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	inst := env.runningInstance(t, "user_abc")
	_, err := env.store.UpdateStatusOwned(inst.ID, "user_abc", store.StatusStopped)
	require.NoError(t, err)

	conn := dial(t, env.wsURL("/ws/terminal/"+inst.ID+"?token=user_abc"))
	msg, _ := readErrorFrame(t, conn)
	assert.Equal(t, "instance not found or not running", msg)
}

func TestTerminal_ShellStartFailure(t *testing.T) {
	env := newTestEnv(t, errors.New("exec failed"))
	inst := env.runningInstance(t, "user_abc")

	conn := dial(t, env.wsURL("/ws/terminal/"+inst.ID+"?token=user_abc"))
	msg, code := readErrorFrame(t, conn)
	assert.Equal(t, "failed to start terminal session", msg)
	assert.Equal(t, websocket.CloseInternalServerErr, code)
}

func TestTerminal_Bridge(t *testing.T) {
	env := newTestEnv(t, nil)
	inst := env.runningInstance(t, "user_abc")

	conn := dial(t, env.wsURL("/ws/terminal/"+inst.ID+"?token=user_abc"))

	// Shell output arrives as a binary frame.
	go env.shellIn.Write([]byte("$ "))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, "$ ", string(data))

	// Raw frames become shell input.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("ls\n")))
	require.Eventually(t, func() bool {
		return env.shell.input() == "ls\n"
	}, 2*time.Second, 10*time.Millisecond)

	// Resize frames are controls, not input.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","cols":999,"rows":50}`)))
	require.Eventually(t, func() bool {
		sizes := env.shell.sizes()
		return len(sizes) >= 2 && sizes[len(sizes)-1] == [2]uint{maxCols, 50}
	}, 2*time.Second, 10*time.Millisecond)

	// First resize was the initial default geometry.
	assert.Equal(t, [2]uint{defaultCols, defaultRows}, env.shell.sizes()[0])
}

func TestTerminal_ClientCloseTearsDownShell(t *testing.T) {
	env := newTestEnv(t, nil)
	inst := env.runningInstance(t, "user_abc")

	conn := dial(t, env.wsURL("/ws/terminal/"+inst.ID+"?token=user_abc"))
	conn.Close()

	require.Eventually(t, func() bool {
		env.shell.mu.Lock()
		defer env.shell.mu.Unlock()
		return env.shell.closed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTerminal_ShellEndClosesSocket(t *testing.T) {
	env := newTestEnv(t, nil)
	inst := env.runningInstance(t, "user_abc")

	conn := dial(t, env.wsURL("/ws/terminal/"+inst.ID+"?token=user_abc"))
	env.shellIn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.server.Client().Get(env.server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	var doc map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "ok", doc["status"])
}
