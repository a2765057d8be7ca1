package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/studio/internal/app/coord"
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	// RateLimit relay and recording messages per participant per RateWindow.
	RateLimit  int
	RateWindow time.Duration
}

type SignalWSController struct {
	Coord   *coord.Coordinator
	opts    Options
	limiter *RoomRateLimiter
	seq     atomic.Uint64
}

func NewSignalWSController(c *coord.Coordinator, opts Options) *SignalWSController {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 32768
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 50
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Second
	}
	return &SignalWSController{
		Coord:   c,
		opts:    opts,
		limiter: NewRoomRateLimiter(opts.RateLimit, opts.RateWindow),
	}
}

// WsSignalConn queues frames for the write pump, which owns the socket.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close stops accepting frames; the write pump drains the queue and closes the socket.
func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request. The participant id is the remote endpoint.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	pid := domain.ParticipantID(c.Request.RemoteAddr)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	conn := &WsSignalConn{conn: ws, send: make(chan core.Frame, ctl.opts.SendBuffer)}
	meta := domain.NewParticipant(pid, time.Now(), ctl.seq.Add(1))
	sess := core.NewMemberSession(meta, conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Coord.Registry.Bind(pid, token, sess, cancel)
	log.Info().Str("module", "signal").Str("participant", string(pid)).Msg("new WS connection")

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sess, conn)
}

func (ctl *SignalWSController) sendJSON(c core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

type errorReply struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (ctl *SignalWSController) sendError(c core.SignalConnection, msg string) {
	ctl.sendJSON(c, errorReply{Type: "error", Error: msg})
}
