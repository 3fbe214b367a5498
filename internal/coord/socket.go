package coord

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chunkvault/chunkvault/internal/logging/audit"
	"github.com/chunkvault/chunkvault/internal/wsconn"
	"github.com/chunkvault/chunkvault/pkg/proto"
)

// Socket close codes.
const (
	CloseTooEarly              = 4000
	CloseMissingAuth           = 4001
	CloseInvalidClientAuth     = 4002
	CloseMissingMetadata       = 4003
	CloseInvalidServiceAuth    = 4004
	CloseFailedServiceCreation = 4005
)

var closeReasons = map[int]string{
	CloseTooEarly:              "too-early-connection",
	CloseMissingAuth:           "missing-authentication",
	CloseInvalidClientAuth:     "invalid-client-auth",
	CloseMissingMetadata:       "missing-service-metadata",
	CloseInvalidServiceAuth:    "invalid-service-auth",
	CloseFailedServiceCreation: "failed-service-creation",
}

// Connection types, as given in the type query parameter.
const (
	typeClient    = "client"
	typeUpload    = "upload"
	typeThumbnail = "thumbnail"
)

var inbound = map[string]proto.Direction{
	typeClient:    proto.ClientToServer,
	typeUpload:    proto.UploadToServer,
	typeThumbnail: proto.ThumbnailToServer,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true // browsers authenticate with a token, not cookies
	},
}

// session is one accepted socket. The same type serves as an upload client,
// an upload worker and a thumbnail worker.
type session struct {
	id      string
	kind    string
	userID  string
	address string
	conn    *wsconn.Conn
	srv     *Server
}

func (c *session) ID() string      { return c.id }
func (c *session) UserID() string  { return c.userID }
func (c *session) Address() string { return c.address }

func (c *session) Send(p *proto.Packet) error {
	if err := c.conn.Send(p); err != nil {
		return err
	}
	c.srv.countSent(p)
	return nil
}

func (c *session) Request(ctx context.Context, p *proto.Packet, expected proto.Kind) (*proto.Packet, error) {
	c.srv.countSent(p)
	return c.conn.Request(ctx, p, expected)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	q := r.URL.Query()
	sess, code := s.admit(r.Context(), q)
	if code != 0 {
		s.reject(ws, q.Get("type"), code, r.RemoteAddr)
		return
	}

	sess.srv = s
	sess.conn = wsconn.New(ws, wsconn.Options{
		Inbound:      inbound[sess.kind],
		ReplyTimeout: s.cfg.Protocol.ReplyTimeout,
		PingInterval: s.cfg.Protocol.PingInterval,
		OnDrop:       s.dropCounter(inbound[sess.kind]),
		Logger:       &s.log,
	})
	s.serveSession(sess, r.RemoteAddr)
}

// admit checks a handshake's query. It returns a close code when the
// connection must be refused.
func (s *Server) admit(ctx context.Context, q url.Values) (*session, int) {
	if !s.ready.Load() {
		return nil, CloseTooEarly
	}

	kind := q.Get("type")
	if _, ok := inbound[kind]; !ok {
		return nil, CloseMissingMetadata
	}
	key := q.Get("key")
	if key == "" {
		return nil, CloseMissingAuth
	}
	sess := &session{id: uuid.NewString(), kind: kind}

	switch kind {
	case typeClient:
		u, err := s.auth.Authenticate(ctx, key)
		if err != nil {
			return nil, CloseInvalidClientAuth
		}
		sess.userID = u.ID
	case typeUpload:
		if !validAddress(q.Get("address")) {
			return nil, CloseMissingMetadata
		}
		if !secretEqual(key, s.cfg.Services.UploadKey) {
			return nil, CloseInvalidServiceAuth
		}
		sess.address = q.Get("address")
	case typeThumbnail:
		if s.cfg.Services.ThumbnailKey == "" {
			return nil, CloseFailedServiceCreation
		}
		if !secretEqual(key, s.cfg.Services.ThumbnailKey) {
			return nil, CloseInvalidServiceAuth
		}
	}
	return sess, 0
}

func validAddress(addr string) bool {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func secretEqual(a, b string) bool {
	return b != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) reject(ws *websocket.Conn, kind string, code int, remote string) {
	reason := closeReasons[code]
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(5*time.Second))
	_ = ws.Close()

	if s.metrics != nil {
		s.metrics.Rejections.WithLabelValues(reason).Inc()
	}
	s.audit.LogSocket(kind, "", audit.Denied, reason, remote)
	s.log.Debug().Str("type", kind).Str("reason", reason).Str("remote", remote).Msg("socket refused")
}

// serveSession runs an accepted socket until it closes.
func (s *Server) serveSession(sess *session, remote string) {
	if !s.track(sess) {
		sess.conn.CloseWith(websocket.CloseGoingAway, "shutting down")
		return
	}
	defer s.untrack(sess)

	s.audit.LogSocket(sess.kind, sess.id, audit.Allowed, sess.userID, remote)
	l := s.log.With().Str("type", sess.kind).Str("conn", sess.id).Logger()
	l.Info().Str("remote", remote).Msg("socket connected")
	defer l.Info().Msg("socket disconnected")

	switch sess.kind {
	case typeClient:
		s.uploads.ClientConnected(sess)
		sess.conn.Run(func(p *proto.Packet) { s.handleClientPacket(sess, p) })
		s.uploads.ClientDisconnected(sess.id)
	case typeUpload:
		s.uploads.WorkerConnected(sess)
		sess.conn.Run(func(p *proto.Packet) { s.handleWorkerPacket(sess, p) })
		s.uploads.WorkerDisconnected(sess.id)
	case typeThumbnail:
		s.uploads.ThumbnailConnected(sess)
		sess.conn.Run(func(p *proto.Packet) { s.handleThumbnailPacket(sess, p) })
		s.uploads.ThumbnailDisconnected(sess.id)
	}
}

func (s *Server) handleClientPacket(sess *session, p *proto.Packet) {
	s.countReceived(p)
	switch {
	case p.Is(proto.KindUploadRequest):
		// waits on a worker reply, so it must not hold up the read loop
		s.goHandle(func() { s.uploads.HandleUploadRequest(sess.conn.Context(), sess, p) })
	case p.Is(proto.KindServiceRequest):
		var req proto.ServiceRequest
		if err := p.Decode(&req); err != nil {
			return
		}
		granted := s.booking.RequestBooking(sess.id, req.Amount)
		reply, err := proto.Reply(p, proto.KindServiceResponse, proto.ServiceResponse{Amount: granted})
		if err != nil {
			s.log.Error().Err(err).Msg("build service response")
			return
		}
		_ = sess.Send(reply)
	case p.Is(proto.KindClientUploadCancel):
		s.uploads.HandleClientCancel(sess.id, p)
	default:
		s.log.Debug().Str("kind", p.Kind().WireID()).Msg("unhandled client packet")
	}
}

func (s *Server) handleWorkerPacket(sess *session, p *proto.Packet) {
	s.countReceived(p)
	switch {
	case p.Is(proto.KindUploadFinish):
		s.uploads.HandleFinish(context.Background(), sess.id, p)
	case p.Is(proto.KindUploadFailed):
		s.uploads.HandleFailed(sess.id, p)
	default:
		// late replies land here once their request has timed out
		s.log.Debug().Str("kind", p.Kind().WireID()).Msg("unhandled worker packet")
	}
}

func (s *Server) handleThumbnailPacket(sess *session, p *proto.Packet) {
	s.countReceived(p)
	if p.Is(proto.KindThumbnailResult) {
		s.uploads.HandleThumbnailResult(sess.id, p)
	}
}

// notifyBooking tells a client its booking changed.
func (s *Server) notifyBooking(client string, change, current int) {
	s.mu.Lock()
	sess := s.clients[client]
	s.mu.Unlock()
	if sess == nil {
		return
	}
	p, err := proto.New(proto.KindServiceChange, proto.ServiceChange{Change: change, Amount: current})
	if err != nil {
		s.log.Error().Err(err).Msg("build service change")
		return
	}
	if err := sess.Send(p); err != nil {
		s.log.Debug().Err(err).Str("client", client).Msg("send service change")
	}
}

func (s *Server) goHandle(fn func()) {
	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		fn()
	}()
}

// track registers a session. It fails once shutdown has begun.
func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.sessions.Add(1)
	s.sockets[sess.id] = sess
	if sess.kind == typeClient {
		s.clients[sess.id] = sess
	}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Connections.WithLabelValues(sess.kind).Inc()
	}
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sockets, sess.id)
	delete(s.clients, sess.id)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Connections.WithLabelValues(sess.kind).Dec()
	}
	s.sessions.Done()
}

// closeSockets closes every open socket, refuses new ones, and waits for the
// sessions to unwind.
func (s *Server) closeSockets() {
	s.mu.Lock()
	s.closing = true
	all := make([]*session, 0, len(s.sockets))
	for _, sess := range s.sockets {
		all = append(all, sess)
	}
	s.mu.Unlock()
	for _, sess := range all {
		sess.conn.CloseWith(websocket.CloseGoingAway, "shutting down")
	}
	s.sessions.Wait()
}

func (s *Server) countReceived(p *proto.Packet) {
	if s.metrics != nil {
		s.metrics.PacketsReceived.WithLabelValues(p.Kind().WireID()).Inc()
	}
}

func (s *Server) countSent(p *proto.Packet) {
	if s.metrics != nil {
		s.metrics.PacketsSent.WithLabelValues(p.Kind().WireID()).Inc()
	}
}

func (s *Server) dropCounter(dir proto.Direction) func() {
	return func() {
		if s.metrics != nil {
			s.metrics.PacketsDropped.WithLabelValues(string(dir)).Inc()
		}
	}
}
