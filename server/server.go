package server

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"chtbx/models"

	"github.com/rs/zerolog"
)

// Directory is the account store the server reads and writes. Lookups report
// db.ErrNotFound for unknown accounts.
type Directory interface {
	FindByUsername(ctx context.Context, username string) (*models.Account, error)
	Create(ctx context.Context, username, password string) (*models.Account, error)
	CheckPassword(account *models.Account, password string) bool
	// ClaimPresence sets the presence only if the account is offline and
	// reports whether it did.
	ClaimPresence(ctx context.Context, id int64, presence models.Presence) (bool, error)
	SetPresence(ctx context.Context, id int64, presence *models.Presence) error
	AddFriend(ctx context.Context, ownerID, friendID int64) error
	Friends(ctx context.Context, ownerID int64) ([]models.Account, error)
}

// PresenceListener is told when an account goes online or offline.
type PresenceListener interface {
	Online(ctx context.Context, username string, presence models.Presence) error
	Offline(ctx context.Context, username string) error
}

type Server struct {
	dir      Directory
	config   *ServerConfig
	log      zerolog.Logger
	presence PresenceListener

	mu       sync.RWMutex
	sessions map[string]*Session
	conns    map[*Session]struct{}
	listener net.Listener
	closing  bool
	wg       sync.WaitGroup
}

type ServerConfig struct {
	Port int
	// IdleTimeout closes a connection that sends nothing for this long.
	// Zero waits forever.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

func WithPresenceListener(l PresenceListener) Option {
	return func(s *Server) {
		s.presence = l
	}
}

const teardownTimeout = 5 * time.Second

func New(dir Directory, config *ServerConfig, opts ...Option) *Server {
	s := &Server{
		dir:      dir,
		config:   config,
		log:      zerolog.Nop(),
		sessions: make(map[string]*Session),
		conns:    make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on the configured port and serves until ctx is done.
// Presence addresses are IPv4 on the wire, so the listener is tcp4.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp4", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is done or Shutdown is
// called. It returns nil after a shutdown.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("chat server started")

	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.log.Error().Err(err).Msg("accept failed")
			return err
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// Shutdown stops accepting, closes every connection and waits until each
// session has torn down and released its presence.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	for sess := range s.conns {
		sess.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("chat server stopped")
}

func (s *Server) isClosing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closing
}

// track registers a live connection; it fails once shutdown has begun.
func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, sess)
}

func (s *Server) addSession(username string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[username] = sess
}

func (s *Server) removeSession(username string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[username] == sess {
		delete(s.sessions, username)
	}
}

func (s *Server) getSession(username string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[username]
	return sess, ok
}

type Stats struct {
	Connections int
	Users       []string
}

// GetStats reports open connections and the users logged in on them.
func (s *Server) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.sessions))
	for username := range s.sessions {
		users = append(users, username)
	}
	sort.Strings(users)

	return Stats{Connections: len(s.conns), Users: users}
}
