package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"chtbx/models"
	"chtbx/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is the state of one client connection. It starts unauthenticated
// and is authenticated at most once, by a successful LOGIN.
type Session struct {
	ID         string
	RemoteAddr net.Addr

	conn net.Conn
	ip   string
	dec  *protocol.Decoder
	enc  *protocol.Encoder
	log  zerolog.Logger

	mu      sync.Mutex
	account *models.Account
}

func newSession(conn net.Conn, log zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:         id,
		RemoteAddr: conn.RemoteAddr(),
		conn:       conn,
		ip:         remoteIP(conn.RemoteAddr()),
		dec:        protocol.NewDecoder(conn, protocol.Limits{}),
		enc:        protocol.NewEncoder(conn),
		log: log.With().
			Str("session", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

func (sess *Session) Authenticated() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.account != nil
}

// Username is empty until the session is authenticated.
func (sess *Session) Username() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.account == nil {
		return ""
	}
	return sess.account.Username
}

func (sess *Session) accountID() (int64, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.account == nil {
		return 0, false
	}
	return sess.account.ID, true
}

func (sess *Session) authenticate(account *models.Account) {
	sess.mu.Lock()
	sess.account = account
	sess.mu.Unlock()
	sess.log = sess.log.With().Str("user", account.Username).Logger()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	sess := newSession(conn, s.log)
	if !s.track(sess) {
		conn.Close()
		return
	}
	defer s.untrack(sess)
	defer conn.Close()
	defer s.teardown(ctx, sess)

	connectionsActive.Inc()
	defer connectionsActive.Dec()

	sess.log.Info().Msg("client connected")

	for {
		if s.config.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}
		req, err := sess.dec.DecodeRequest()
		if err != nil {
			s.logReadError(sess, err)
			return
		}
		requestsTotal.WithLabelValues(req.Type().String()).Inc()

		resp, err := s.handleRequest(ctx, sess, req)
		if err != nil {
			sess.log.Error().Err(err).Str("request", req.Type().String()).Msg("directory failure")
			return
		}

		if s.config.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		if err := sess.enc.EncodeResponse(resp); err != nil {
			if isFramingError(err) {
				protocolErrors.Inc()
			}
			sess.log.Debug().Err(err).Str("response", resp.Type().String()).Msg("write failed")
			return
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, sess *Session, req protocol.Request) (protocol.Response, error) {
	switch req := req.(type) {
	case protocol.LoginRequest:
		return s.handleLogin(ctx, sess, req)
	case protocol.RegisterRequest:
		return s.handleRegister(ctx, sess, req)
	case protocol.FriendListRequest:
		return s.handleFriendList(ctx, sess)
	case protocol.AddFriendRequest:
		return s.handleAddFriend(ctx, sess, req)
	default:
		return nil, protocol.ErrUnknownType
	}
}

// teardown runs once per connection and releases the presence an
// authenticated session holds, whatever ended the connection.
func (s *Server) teardown(ctx context.Context, sess *Session) {
	sess.mu.Lock()
	account := sess.account
	sess.mu.Unlock()

	if account == nil {
		sess.log.Info().Msg("client disconnected")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	s.removeSession(account.Username, sess)
	sessionsAuthenticated.Dec()

	if err := s.dir.SetPresence(ctx, account.ID, nil); err != nil {
		sess.log.Error().Err(err).Msg("failed to clear presence")
	}
	if s.presence != nil {
		if err := s.presence.Offline(ctx, account.Username); err != nil {
			sess.log.Warn().Err(err).Msg("presence listener failed")
		}
	}
	sess.log.Info().Msg("client logged out")
}

func (s *Server) logReadError(sess *Session, err error) {
	switch {
	case errors.Is(err, io.EOF):
		sess.log.Debug().Msg("peer closed connection")
	case isFramingError(err):
		protocolErrors.Inc()
		sess.log.Debug().Err(err).Msg("framing violation")
	default:
		sess.log.Debug().Err(err).Msg("read failed")
	}
}

func isFramingError(err error) bool {
	return errors.Is(err, protocol.ErrUnknownType) ||
		errors.Is(err, protocol.ErrStringTooLong) ||
		errors.Is(err, protocol.ErrIntOverflow) ||
		errors.Is(err, protocol.ErrInvalidIP) ||
		errors.Is(err, protocol.ErrChunkTooLarge) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// remoteIP returns the IPv4 text of addr when it has one.
func remoteIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		if ip4 := tcp.IP.To4(); ip4 != nil {
			return ip4.String()
		}
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
