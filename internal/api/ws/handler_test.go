package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/domain/orchestrator"
	"github.com/GriffinCanCode/tsingtao/internal/domain/session"
	"github.com/GriffinCanCode/tsingtao/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/tsingtao/internal/shared/id"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

// fakeBuilder publishes build_started for every SetFiles
type fakeBuilder struct {
	mu      sync.Mutex
	gen     types.Generation
	files   map[string]string
	resized [][2]float64
	updates chan orchestrator.Update
	closed  bool
}

func newFakeBuilder() *fakeBuilder {
	return &fakeBuilder{updates: make(chan orchestrator.Update, 16)}
}

func (b *fakeBuilder) SetFiles(files map[string]string) (types.Generation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errors.New("closed")
	}
	b.gen++
	b.files = files
	select {
	case b.updates <- orchestrator.Update{Kind: orchestrator.UpdateBuildStarted, Generation: b.gen}:
	default:
	}
	return b.gen, nil
}

func (b *fakeBuilder) Resize(_ context.Context, w, h float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resized = append(b.resized, [2]float64{w, h})
	return nil
}

func (b *fakeBuilder) State() orchestrator.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return orchestrator.State{Generation: b.gen}
}

func (b *fakeBuilder) Subscribe() (<-chan orchestrator.Update, func()) {
	return b.updates, func() {}
}

func (b *fakeBuilder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.updates)
	}
	return nil
}

func (b *fakeBuilder) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBuilder) publish(u orchestrator.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates <- u
}

type fixture struct {
	server   *httptest.Server
	sessions *session.Manager
	metrics  *monitoring.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sessions := session.NewManager(func(files map[string]string, _ func(float64)) (session.Builder, error) {
		b := newFakeBuilder()
		_, err := b.SetFiles(files)
		return b, err
	}, session.DefaultConfig(), zap.NewNop())

	seed := func(context.Context) (map[string]string, error) {
		return map[string]string{"/index.ts": "seeded"}, nil
	}
	metrics := monitoring.NewMetrics()
	h := NewHandler(sessions, seed, metrics, zap.NewNop())

	r := gin.New()
	r.GET("/stream", h.HandleConnection)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		_ = sessions.Close()
	})
	return &fixture{server: srv, sessions: sessions, metrics: metrics}
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/stream" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	data, err := sonic.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// next reads until a message of type typ arrives
func next(t *testing.T, conn *websocket.Conn, typ string) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg ServerMessage
		require.NoError(t, sonic.Unmarshal(data, &msg))
		if msg.Type == typ {
			return msg
		}
	}
}

// first reads the next message, whatever its type
func first(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg ServerMessage
	require.NoError(t, sonic.Unmarshal(data, &msg))
	return msg
}

// collect reads until every matcher has matched one message, in any order,
// and returns the matches in matcher order
func collect(t *testing.T, conn *websocket.Conn, matchers ...func(ServerMessage) bool) []ServerMessage {
	t.Helper()
	out := make([]ServerMessage, len(matchers))
	matched := make([]bool, len(matchers))
	for remaining := len(matchers); remaining > 0; {
		msg := first(t, conn)
		for i, m := range matchers {
			if !matched[i] && m(msg) {
				out[i], matched[i] = msg, true
				remaining--
				break
			}
		}
	}
	return out
}

func started(gen types.Generation) func(ServerMessage) bool {
	return func(m ServerMessage) bool {
		return m.Type == string(orchestrator.UpdateBuildStarted) && m.Generation == gen
	}
}

func stateWithChanges(changed bool) func(ServerMessage) bool {
	return func(m ServerMessage) bool {
		return m.Type == TypeState && m.HasChanges != nil && *m.HasChanges == changed
	}
}

func (f *fixture) builder(t *testing.T, sid string) (*session.Session, *fakeBuilder) {
	t.Helper()
	s, err := f.sessions.Get(id.SessionID(sid))
	require.NoError(t, err)
	return s, s.Builder().(*fakeBuilder)
}

func TestStreamCreatesSession(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")

	hello := first(t, conn)
	require.Equal(t, TypeSession, hello.Type, "the session hello precedes every update")
	assert.True(t, id.Valid(hello.SessionID, id.SessionPrefix))
	assert.Equal(t, types.Generation(1), hello.Generation)

	s, b := f.builder(t, hello.SessionID)
	assert.Equal(t, map[string]string{"/index.ts": "seeded"}, s.Draft())
	assert.Equal(t, "seeded", b.files["/index.ts"])

	// the first build's update is forwarded
	started := next(t, conn, string(orchestrator.UpdateBuildStarted))
	assert.Equal(t, types.Generation(1), started.Generation)
}

func TestEditThenApply(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")
	hello := next(t, conn, TypeSession)
	_, b := f.builder(t, hello.SessionID)

	content := "edited"
	send(t, conn, ClientMessage{Type: TypeEdit, Path: "index.ts", Content: &content})
	st := next(t, conn, TypeState)
	require.NotNil(t, st.HasChanges)
	assert.True(t, *st.HasChanges)
	assert.Equal(t, types.Generation(1), st.Generation, "edits never build")

	send(t, conn, ClientMessage{Type: TypeApply})
	got := collect(t, conn, stateWithChanges(false), started(2))
	assert.Equal(t, types.Generation(2), got[0].Generation)
	assert.Equal(t, types.Generation(2), got[1].Generation)
	b.mu.Lock()
	assert.Equal(t, "edited", b.files["/index.ts"])
	b.mu.Unlock()
}

func TestHelloAlwaysComesFirst(t *testing.T) {
	f := newFixture(t)
	s, err := f.sessions.Create(map[string]string{"/index.ts": "shared"})
	require.NoError(t, err)
	b := s.Builder().(*fakeBuilder)
	for i := 0; i < 8; i++ {
		b.publish(orchestrator.Update{Kind: orchestrator.UpdateRendered, Generation: 1, Height: float64(i)})
	}

	for i := 0; i < 5; i++ {
		conn := f.dial(t, "?session="+s.ID.String())
		assert.Equal(t, TypeSession, first(t, conn).Type)
		_ = conn.Close()
	}
}

func TestEveryMessageRenewsSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sessions := session.NewManager(func(files map[string]string, _ func(float64)) (session.Builder, error) {
		b := newFakeBuilder()
		_, err := b.SetFiles(files)
		return b, err
	}, session.Config{Size: 4, TTL: 300 * time.Millisecond}, zap.NewNop())
	h := NewHandler(sessions, nil, monitoring.NewMetrics(), zap.NewNop())
	r := gin.New()
	r.GET("/stream", h.HandleConnection)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		_ = sessions.Close()
	})
	f := &fixture{server: srv, sessions: sessions}

	conn := f.dial(t, "")
	hello := first(t, conn)
	require.Equal(t, TypeSession, hello.Type)

	// pings alone keep the session alive well past its TTL
	for i := 0; i < 8; i++ {
		time.Sleep(100 * time.Millisecond)
		send(t, conn, ClientMessage{Type: TypePing})
		next(t, conn, TypePong)
	}
	_, err := sessions.Get(id.SessionID(hello.SessionID))
	assert.NoError(t, err)
}

func TestForwardsLifecycle(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")
	hello := next(t, conn, TypeSession)
	_, b := f.builder(t, hello.SessionID)

	b.publish(orchestrator.Update{
		Kind:       orchestrator.UpdateBuildResult,
		Generation: 1,
		Status:     types.StatusRunning,
		Artifact:   &types.Artifact{Hash: "abc"},
	})
	b.publish(orchestrator.Update{Kind: orchestrator.UpdateRendered, Generation: 1, Height: 180})
	b.publish(orchestrator.Update{
		Kind:        orchestrator.UpdateRuntimeError,
		Generation:  1,
		Diagnostics: []types.Diagnostic{{File: "/index.ts", Kind: types.KindRuntimeError, Message: "boom"}},
	})

	result := next(t, conn, string(orchestrator.UpdateBuildResult))
	assert.Equal(t, "abc", result.ArtifactHash)
	assert.Equal(t, types.StatusRunning, result.Status)

	rendered := next(t, conn, string(orchestrator.UpdateRendered))
	assert.Equal(t, 180.0, rendered.Height)

	rtErr := next(t, conn, string(orchestrator.UpdateRuntimeError))
	require.Len(t, rtErr.Diagnostics, 1)
	assert.Equal(t, "boom", rtErr.Diagnostics[0].Message)
}

func TestResizePingAndErrors(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")
	hello := next(t, conn, TypeSession)
	_, b := f.builder(t, hello.SessionID)

	send(t, conn, ClientMessage{Type: TypeResize, Width: 640, Height: 480})
	send(t, conn, ClientMessage{Type: TypePing})
	next(t, conn, TypePong)
	b.mu.Lock()
	assert.Equal(t, [][2]float64{{640, 480}}, b.resized)
	b.mu.Unlock()

	send(t, conn, ClientMessage{Type: TypeResize})
	assert.Contains(t, next(t, conn, TypeError).Message, "positive")

	send(t, conn, ClientMessage{Type: "explode"})
	assert.Equal(t, "unknown message type", next(t, conn, TypeError).Message)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	assert.Equal(t, "malformed message", next(t, conn, TypeError).Message)

	send(t, conn, ClientMessage{Type: TypeEdit, Path: " "})
	next(t, conn, TypeError)
}

func TestOwnedSessionEndsWithStream(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")
	hello := next(t, conn, TypeSession)
	_, b := f.builder(t, hello.SessionID)
	assert.Eventually(t, func() bool { return f.metrics.Snapshot().WSConnections == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	assert.Eventually(t, b.isClosed, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.sessions.Len())
	assert.Eventually(t, func() bool { return f.metrics.Snapshot().WSConnections == 0 }, time.Second, 5*time.Millisecond)
}

func TestAttachToExistingSession(t *testing.T) {
	f := newFixture(t)
	s, err := f.sessions.Create(map[string]string{"/index.ts": "shared"})
	require.NoError(t, err)
	b := s.Builder().(*fakeBuilder)

	conn := f.dial(t, "?session="+s.ID.String())
	hello := next(t, conn, TypeSession)
	assert.Equal(t, s.ID.String(), hello.SessionID)
	_ = conn.Close()

	// attached sessions outlive the stream
	time.Sleep(50 * time.Millisecond)
	assert.False(t, b.isClosed())
	assert.Equal(t, 1, f.sessions.Len())
}

func TestAttachRejectsUnknownSession(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/stream?session="

	_, resp, err := websocket.DefaultDialer.Dial(url+"garbage", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+id.NewSessionID().String(), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionClosedUnderneath(t *testing.T) {
	f := newFixture(t)
	s, err := f.sessions.Create(nil)
	require.NoError(t, err)

	conn := f.dial(t, "?session="+s.ID.String())
	next(t, conn, TypeSession)

	f.sessions.Delete(s.ID)
	assert.Equal(t, "session closed", next(t, conn, TypeError).Message)
}
