// Package wsconn carries protocol packets over a websocket. Each Conn owns a
// single writer goroutine fed by a buffered channel, keeps the socket alive
// with control pings, and routes replies to their waiting requests before
// handing anything else to the caller.
package wsconn

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/pkg/proto"
)

// Defaults.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultReadTimeout  = 90 * time.Second
	writeQueueSize      = 256
	controlWriteTimeout = 10 * time.Second
)

// Handler receives every inbound packet that is not a reply to a pending
// request. It runs on the read goroutine; blocking work belongs elsewhere.
type Handler func(*proto.Packet)

// Options configures a Conn.
type Options struct {
	// Inbound is the direction accepted from the remote side.
	Inbound      proto.Direction
	ReplyTimeout time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration
	// OnDrop is called for every inbound message that failed to parse.
	OnDrop func()
	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// Conn is a packet connection over a websocket.
type Conn struct {
	ws           *websocket.Conn
	inbound      proto.Direction
	replies      *proto.Replies
	pingInterval time.Duration
	readTimeout  time.Duration
	onDrop       func()
	log          zerolog.Logger

	writeChan chan []byte
	closeChan chan struct{}
	closeMu   sync.Mutex
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New wraps ws. Nothing runs until Run is called.
func New(ws *websocket.Conn, opts Options) *Conn {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Conn{
		ws:           ws,
		inbound:      opts.Inbound,
		replies:      proto.NewReplies(opts.ReplyTimeout),
		pingInterval: opts.PingInterval,
		readTimeout:  opts.ReadTimeout,
		onDrop:       opts.OnDrop,
		log:          l,
		writeChan:    make(chan []byte, writeQueueSize),
		closeChan:    make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Context is canceled once the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Done is closed once the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Pending returns the number of requests waiting for a reply.
func (c *Conn) Pending() int { return c.replies.Len() }

// Run starts the writer and reads until the socket fails or is closed. The
// connection is closed when Run returns.
func (c *Conn) Run(handle Handler) {
	go c.writeLoop()
	defer c.Close()

	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		return nil
	})

	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		if mt != websocket.TextMessage {
			c.drop()
			continue
		}

		p, ok := proto.Parse(data, c.inbound)
		if !ok {
			c.drop()
			continue
		}
		switch {
		case c.replies.Resolve(p):
		case p.Is(proto.KindPing):
			if pong, err := proto.Reply(p, proto.KindPong, proto.Empty{}); err == nil {
				_ = c.Send(pong)
			}
		case p.Is(proto.KindPong):
		default:
			handle(p)
		}
	}
}

func (c *Conn) drop() {
	if c.onDrop != nil {
		c.onDrop()
	}
}

// writeLoop is the only writer of data frames.
func (c *Conn) writeLoop() {
	pingTicker := time.NewTicker(c.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-pingTicker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteTimeout)); err != nil {
				c.log.Debug().Err(err).Msg("websocket ping failed")
				c.Close()
				return
			}
		case data := <-c.writeChan:
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("websocket write failed")
				c.Close()
				return
			}
		}
	}
}

// Send queues p for writing.
func (c *Conn) Send(p *proto.Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return proto.ErrClosed
	}
	select {
	case c.writeChan <- data:
		return nil
	default:
		c.log.Warn().Str("kind", p.Kind().WireID()).Msg("write queue full, dropping packet")
		return proto.ErrClosed
	}
}

// Request sends p and waits for a reply of kind expected. It gives up when
// ctx ends, the reply times out, or the connection closes.
func (c *Conn) Request(ctx context.Context, p *proto.Packet, expected proto.Kind) (*proto.Packet, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	reply, err := c.replies.Await(ctx, c.Send, p, expected)
	if err != nil && c.ctx.Err() != nil {
		return nil, proto.ErrClosed
	}
	return reply, err
}

// CloseWith sends a close frame carrying code and reason, then closes.
func (c *Conn) CloseWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(controlWriteTimeout))
	c.Close()
}

// Close closes the connection and stops the writer goroutine.
func (c *Conn) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeChan)
	c.cancel()
	_ = c.ws.Close()
}
