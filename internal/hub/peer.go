package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// pongWait is how long to wait for a pong before treating the connection
	// as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Config represents the websocket configuration.
type Config struct {
	WSTimeout         time.Duration `koanf:"timeout"`
	MaxMessageSize    string        `koanf:"max_message_size"`
	MaxMessageQueue   int           `koanf:"max_message_queue"`
	RateLimitInterval time.Duration `koanf:"rate_limit_interval"`
	RateLimitMessages int           `koanf:"rate_limit_messages"`

	// ReadLimit is MaxMessageSize in bytes, resolved at startup.
	ReadLimit int64 `koanf:"-"`
}

// Peer is a websocket connection. It implements Conn.
type Peer struct {
	ws  *websocket.Conn
	cfg *Config

	// Channel for outbound messages.
	dataQ chan []byte

	mu     sync.Mutex
	closed bool

	log zerolog.Logger
}

// NewPeer returns a new instance of Peer. RunWriter and RunListener must be
// started for it to do any I/O.
func NewPeer(ws *websocket.Conn, cfg *Config, l zerolog.Logger) *Peer {
	q := cfg.MaxMessageQueue
	if q <= 0 {
		q = 100
	}
	return &Peer{
		ws:    ws,
		cfg:   cfg,
		dataQ: make(chan []byte, q),
		log:   l.With().Str("peer", ws.RemoteAddr().String()).Logger(),
	}
}

// Send queues a message to be written to the peer's WS. It never blocks:
// a peer whose queue is full is too slow and gets disconnected.
func (p *Peer) Send(b []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.dataQ <- b:
		return true
	default:
		p.log.Warn().Msg("outbound queue full, disconnecting peer")
		p.closeLocked()
		return false
	}
}

// Close stops accepting messages. Queued messages are still written before
// the connection is closed. It is safe to call more than once.
func (p *Peer) Close() {
	p.mu.Lock()
	p.closeLocked()
	p.mu.Unlock()
}

func (p *Peer) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.dataQ)
}

// RunListener is a blocking function that reads incoming messages from a
// peer's WS connection until it's dropped or there's an error, handing each
// one to handle in order. Messages above the rate limit are dropped.
func (p *Peer) RunListener(handle func([]byte)) {
	rl := rate.NewLimiter(rate.Inf, 0)
	if p.cfg.RateLimitMessages > 0 && p.cfg.RateLimitInterval > 0 {
		rl = rate.NewLimiter(rate.Every(p.cfg.RateLimitInterval/time.Duration(p.cfg.RateLimitMessages)),
			p.cfg.RateLimitMessages)
	}

	p.ws.SetReadLimit(p.cfg.ReadLimit)
	p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		p.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, m, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Debug().Err(err).Msg("read error")
			}
			break
		}
		p.ws.SetReadDeadline(time.Now().Add(pongWait))
		if len(m) < 1 {
			continue
		}
		if !rl.Allow() {
			p.log.Warn().Msg("rate limited, dropping message")
			continue
		}
		handle(m)
	}

	// WS connection is closed.
	p.Close()
	p.ws.Close()
}

// RunWriter is a blocking function that writes messages in a peer's queue to
// the peer's WS connection. This should be invoked as a goroutine.
func (p *Peer) RunWriter() {
	t := time.NewTicker(pingPeriod)
	defer func() {
		t.Stop()
		p.ws.Close()
	}()

	for {
		select {
		// Wait for outgoing message to appear in the channel.
		case message, ok := <-p.dataQ:
			if !ok {
				p.writeWSData(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.writeWSData(websocket.TextMessage, message); err != nil {
				p.log.Debug().Err(err).Msg("write error")
				return
			}

		case <-t.C:
			if err := p.writeWSData(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeWSData writes the given payload to the peer's WS connection.
func (p *Peer) writeWSData(msgType int, payload []byte) error {
	if p.cfg.WSTimeout > 0 {
		p.ws.SetWriteDeadline(time.Now().Add(p.cfg.WSTimeout))
	}
	return p.ws.WriteMessage(msgType, payload)
}
