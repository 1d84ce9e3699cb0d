package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/domain/orchestrator"
	"github.com/GriffinCanCode/tsingtao/internal/domain/session"
	"github.com/GriffinCanCode/tsingtao/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/tsingtao/internal/shared/id"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 8 << 20
	outboxSize     = 32
)

// Handler manages WebSocket connections
type Handler struct {
	sessions *session.Manager
	seed     session.Seeder
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. seed may be nil.
func NewHandler(sessions *session.Manager, seed session.Seeder, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions: sessions,
		seed:     seed,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// origins are enforced by the CORS middleware
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// conn is one editor connection bound to one session
type conn struct {
	h       *Handler
	ws      *websocket.Conn
	session *session.Session
	logger  *zap.Logger
	outbox  chan ServerMessage
	done    chan struct{}
}

// HandleConnection upgrades the request and streams a session. With
// ?session=<id> it attaches to an existing session; otherwise it creates
// one from the seed and closes it when the connection ends.
func (h *Handler) HandleConnection(c *gin.Context) {
	s, owned, ok := h.resolveSession(c)
	if !ok {
		return
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		if owned {
			h.sessions.Delete(s.ID)
		}
		return
	}
	defer socket.Close()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()
	if owned {
		defer func() {
			h.sessions.Delete(s.ID)
			h.metrics.SetSessionsActive(h.sessions.Len())
		}()
	}

	cn := &conn{
		h:       h,
		ws:      socket,
		session: s,
		logger:  h.logger.With(zap.String("session_id", s.ID.String())),
		outbox:  make(chan ServerMessage, outboxSize),
		done:    make(chan struct{}),
	}
	cn.logger.Info("Stream connected", zap.Bool("owned", owned))

	updates, cancel := s.Builder().Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(c.Request.Context())
	defer stop()

	// the hello goes out before any update so clients learn their session first
	if err := cn.write(ServerMessage{
		Type:       TypeSession,
		SessionID:  s.ID.String(),
		Generation: s.Builder().State().Generation,
		Timestamp:  time.Now().Unix(),
	}); err != nil {
		cn.logger.Debug("Failed to greet stream", zap.Error(err))
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		cn.writeLoop(updates)
	}()

	cn.readLoop(ctx)

	close(cn.done)
	<-writerDone
	cn.logger.Info("Stream closed")
}

func (h *Handler) resolveSession(c *gin.Context) (*session.Session, bool, bool) {
	if raw := c.Query("session"); raw != "" {
		sid, err := id.ParseSessionID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return nil, false, false
		}
		s, err := h.sessions.Get(sid)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return nil, false, false
		}
		return s, false, true
	}

	var files map[string]string
	if h.seed != nil {
		seeded, err := h.seed(c.Request.Context())
		if err != nil {
			h.logger.Error("Failed to seed stream session", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return nil, false, false
		}
		files = seeded
	}
	s, err := h.sessions.Create(files)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return nil, false, false
	}
	h.metrics.IncSessionsTotal()
	h.metrics.SetSessionsActive(h.sessions.Len())
	return s, true, true
}

func (cn *conn) readLoop(ctx context.Context) {
	cn.ws.SetReadLimit(maxMessageSize)
	_ = cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	cn.ws.SetPongHandler(func(string) error {
		return cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cn.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		_ = cn.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			cn.h.metrics.RecordWSMessage("in", "invalid")
			cn.reply(errorMessage("malformed message"))
			continue
		}
		cn.h.metrics.RecordWSMessage("in", msg.Type)
		cn.h.sessions.Touch(cn.session)
		cn.handle(ctx, msg)
	}
}

func (cn *conn) handle(ctx context.Context, msg ClientMessage) {
	s := cn.session
	switch msg.Type {
	case TypeEdit:
		var err error
		if msg.Content == nil {
			err = s.RemoveFile(msg.Path)
		} else {
			err = s.EditFile(msg.Path, *msg.Content)
		}
		if err != nil {
			cn.reply(errorMessage(err.Error()))
			return
		}
		cn.reply(cn.state())

	case TypeApply:
		gen, err := s.Apply(msg.Files)
		if err != nil {
			cn.reply(errorMessage(err.Error()))
			return
		}
		cn.logger.Debug("Applied files", zap.Uint64("generation", uint64(gen)))
		cn.reply(cn.state())

	case TypeResize:
		if msg.Width <= 0 || msg.Height <= 0 {
			cn.reply(errorMessage("resize needs a positive width and height"))
			return
		}
		if err := s.Builder().Resize(ctx, msg.Width, msg.Height); err != nil {
			cn.reply(errorMessage(err.Error()))
		}

	case TypeState:
		cn.reply(cn.state())

	case TypePing:
		cn.reply(ServerMessage{Type: TypePong, Timestamp: time.Now().Unix()})

	default:
		cn.reply(errorMessage("unknown message type"))
	}
}

func (cn *conn) state() ServerMessage {
	st := cn.session.Builder().State()
	changed := cn.session.HasChanges()
	return ServerMessage{
		Type:        TypeState,
		SessionID:   cn.session.ID.String(),
		Generation:  st.Generation,
		Height:      st.Height,
		Diagnostics: st.Diagnostics,
		HasChanges:  &changed,
		State:       &st,
		Timestamp:   time.Now().Unix(),
	}
}

// reply queues msg for the writer; it gives up once the writer is gone
func (cn *conn) reply(msg ServerMessage) {
	select {
	case cn.outbox <- msg:
	case <-cn.done:
	}
}

// writeLoop is the only goroutine writing to the socket
func (cn *conn) writeLoop(updates <-chan orchestrator.Update) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-cn.outbox:
			if err := cn.write(msg); err != nil {
				cn.fail(err)
				return
			}
		case u, ok := <-updates:
			if !ok {
				// session closed underneath us
				_ = cn.write(errorMessage("session closed"))
				cn.fail(nil)
				return
			}
			if err := cn.write(fromUpdate(u)); err != nil {
				cn.fail(err)
				return
			}
		case <-ticker.C:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				cn.fail(err)
				return
			}
		case <-cn.done:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = cn.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (cn *conn) write(msg ServerMessage) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := cn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	cn.h.metrics.RecordWSMessage("out", msg.Type)
	return nil
}

// fail unblocks the reader by closing the socket
func (cn *conn) fail(err error) {
	if err != nil {
		cn.logger.Debug("WebSocket write failed", zap.Error(err))
	}
	_ = cn.ws.Close()
	// drain until the reader notices
	for {
		select {
		case <-cn.outbox:
		case <-cn.done:
			return
		}
	}
}
