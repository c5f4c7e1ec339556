package server

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"chtbx/client"
	"chtbx/db"
	"chtbx/models"
	"chtbx/protocol"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/crypto/bcrypt"
)

// addrConn reports a fixed remote address so presence has a real IPv4.
type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

func setupTestServer(t *testing.T, opts ...Option) (*Server, *db.DB) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), db.HashCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return New(database, &ServerConfig{}, opts...), database
}

func createAccount(t *testing.T, database *db.DB, username, password string) *models.Account {
	t.Helper()
	account, err := database.Create(context.Background(), username, password)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", username, err)
	}
	return account
}

// connect runs a session over a pipe. The returned channel closes once the
// server side has torn the session down.
func connect(t *testing.T, srv *Server, ip string, port int) (*client.Client, <-chan struct{}) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	conn := addrConn{Conn: serverConn, remote: &net.TCPAddr{IP: net.ParseIP(ip), Port: port}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handleConnection(context.Background(), conn)
	}()

	c := client.New(clientConn)
	t.Cleanup(func() { c.Close() })
	return c, done
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not tear down")
	}
}

func presenceOf(t *testing.T, database *db.DB, username string) *models.Presence {
	t.Helper()
	account, err := database.FindByUsername(context.Background(), username)
	if err != nil {
		t.Fatalf("FindByUsername failed: %v", err)
	}
	return account.Presence
}

func TestRegister(t *testing.T) {
	srv, database := setupTestServer(t)
	c, _ := connect(t, srv, "10.0.0.1", 50000)

	status, err := c.Register("alice", "secret")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if status != protocol.RegisterOK {
		t.Errorf("Expected %v, got %v", protocol.RegisterOK, status)
	}

	status, err = c.Register("alice", "other")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if status != protocol.RegisterUsernameIsExist {
		t.Errorf("Expected %v, got %v", protocol.RegisterUsernameIsExist, status)
	}

	// registering does not log the session in
	if presenceOf(t, database, "alice") != nil {
		t.Errorf("expected alice to stay offline after register")
	}
	if status, _ := c.AddFriend("alice"); status != protocol.AddFriendNotLoggedIn {
		t.Errorf("Expected %v, got %v", protocol.AddFriendNotLoggedIn, status)
	}
}

func TestRegisterLongPassword(t *testing.T) {
	srv, _ := setupTestServer(t)
	c, _ := connect(t, srv, "10.0.0.1", 50000)
	password := strings.Repeat("p", protocol.MaxLenString)

	status, err := c.Register("alice", password)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if status != protocol.RegisterOK {
		t.Fatalf("Expected %v, got %v", protocol.RegisterOK, status)
	}

	login, err := c.Login("alice", password[:len(password)-1]+"q", 4000)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if login != protocol.LoginWrongPassword {
		t.Errorf("Expected %v, got %v", protocol.LoginWrongPassword, login)
	}

	login, err = c.Login("alice", password, 4000)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if login != protocol.LoginOK {
		t.Errorf("Expected %v, got %v", protocol.LoginOK, login)
	}
}

func TestLogin(t *testing.T) {
	srv, database := setupTestServer(t)
	createAccount(t, database, "alice", "secret")

	c, done := connect(t, srv, "10.0.0.1", 50000)

	status, err := c.Login("alice", "secret", 4000)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if status != protocol.LoginOK {
		t.Fatalf("Expected %v, got %v", protocol.LoginOK, status)
	}
	got := presenceOf(t, database, "alice")
	if got == nil || *got != (models.Presence{IP: "10.0.0.1", Port: 4000}) {
		t.Errorf("unexpected presence %#v", got)
	}
	if sess, ok := srv.getSession("alice"); !ok || sess.Username() != "alice" {
		t.Errorf("expected a session registered for alice")
	}

	// a second login on the same connection is refused
	status, _ = c.Login("alice", "secret", 4001)
	if status != protocol.LoginAlreadyLoggedIn {
		t.Errorf("Expected %v, got %v", protocol.LoginAlreadyLoggedIn, status)
	}

	// and so is a login from another connection
	other, _ := connect(t, srv, "10.0.0.2", 50001)
	status, _ = other.Login("alice", "secret", 5000)
	if status != protocol.LoginAlreadyLoggedIn {
		t.Errorf("Expected %v, got %v", protocol.LoginAlreadyLoggedIn, status)
	}
	if got := presenceOf(t, database, "alice"); got == nil || got.Port != 4000 {
		t.Errorf("presence changed by refused login: %#v", got)
	}

	c.Close()
	waitClosed(t, done)

	if presenceOf(t, database, "alice") != nil {
		t.Fatalf("expected presence cleared after disconnect")
	}
	if _, ok := srv.getSession("alice"); ok {
		t.Errorf("expected session removed after disconnect")
	}

	status, _ = other.Login("alice", "secret", 5000)
	if status != protocol.LoginOK {
		t.Errorf("Expected %v after disconnect, got %v", protocol.LoginOK, status)
	}
}

func TestLoginFailures(t *testing.T) {
	srv, database := setupTestServer(t)
	createAccount(t, database, "alice", "secret")
	c, _ := connect(t, srv, "10.0.0.1", 50000)

	wrongBefore := testutil.ToFloat64(loginsTotal.WithLabelValues("wrong_password"))

	status, err := c.Login("bob", "secret", 4000)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if status != protocol.LoginUsernameNotExist {
		t.Errorf("Expected %v, got %v", protocol.LoginUsernameNotExist, status)
	}

	status, _ = c.Login("alice", "wrong", 4000)
	if status != protocol.LoginWrongPassword {
		t.Errorf("Expected %v, got %v", protocol.LoginWrongPassword, status)
	}
	if presenceOf(t, database, "alice") != nil {
		t.Errorf("expected presence untouched by wrong password")
	}
	if got := testutil.ToFloat64(loginsTotal.WithLabelValues("wrong_password")) - wrongBefore; got != 1 {
		t.Errorf("Expected wrong_password counter to grow by 1, got %v", got)
	}

	// the session is still usable after a failed login
	status, _ = c.Login("alice", "secret", 4000)
	if status != protocol.LoginOK {
		t.Errorf("Expected %v, got %v", protocol.LoginOK, status)
	}
}

func TestLoginStalePresence(t *testing.T) {
	srv, database := setupTestServer(t)
	alice := createAccount(t, database, "alice", "secret")
	if err := database.SetPresence(context.Background(), alice.ID, &models.Presence{IP: "10.9.9.9", Port: 1}); err != nil {
		t.Fatalf("SetPresence failed: %v", err)
	}

	c, _ := connect(t, srv, "10.0.0.1", 50000)
	status, _ := c.Login("alice", "secret", 4000)
	if status != protocol.LoginAlreadyLoggedIn {
		t.Errorf("Expected %v, got %v", protocol.LoginAlreadyLoggedIn, status)
	}
}

func TestConcurrentLogin(t *testing.T) {
	srv, database := setupTestServer(t)
	createAccount(t, database, "alice", "secret")

	const attempts = 8
	clients := make([]*client.Client, attempts)
	for i := range clients {
		clients[i], _ = connect(t, srv, "10.0.0.1", 50000+i)
	}

	var wg sync.WaitGroup
	results := make([]protocol.LoginStatus, attempts)
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *client.Client) {
			defer wg.Done()
			status, err := c.Login("alice", "secret", uint16(4000+i))
			if err != nil {
				t.Errorf("Login failed: %v", err)
				return
			}
			results[i] = status
		}(i, c)
	}
	wg.Wait()

	wins := 0
	for _, status := range results {
		switch status {
		case protocol.LoginOK:
			wins++
		case protocol.LoginAlreadyLoggedIn:
		default:
			t.Errorf("unexpected status %v", status)
		}
	}
	if wins != 1 {
		t.Errorf("Expected exactly one login to win, got %d", wins)
	}
	if stats := srv.GetStats(); !reflect.DeepEqual(stats.Users, []string{"alice"}) {
		t.Errorf("unexpected users %v", stats.Users)
	}
}

func TestFriends(t *testing.T) {
	srv, database := setupTestServer(t)
	createAccount(t, database, "alice", "a")
	createAccount(t, database, "bob", "b")
	createAccount(t, database, "carol", "c")

	alice, _ := connect(t, srv, "10.0.0.1", 50000)
	bob, _ := connect(t, srv, "10.0.0.2", 50001)

	// gated before login
	friends, err := alice.FriendList()
	if err != nil {
		t.Fatalf("FriendList failed: %v", err)
	}
	if len(friends) != 0 {
		t.Errorf("expected empty list before login, got %v", friends)
	}

	if status, _ := alice.Login("alice", "a", 4000); status != protocol.LoginOK {
		t.Fatalf("alice login: %v", status)
	}
	if status, _ := bob.Login("bob", "b", 5000); status != protocol.LoginOK {
		t.Fatalf("bob login: %v", status)
	}

	tests := []struct {
		username string
		want     protocol.AddFriendStatus
	}{
		{"bob", protocol.AddFriendOK},
		{"carol", protocol.AddFriendOK},
		{"bob", protocol.AddFriendAlreadyFriend},
		{"alice", protocol.AddFriendCannotAddSelf},
		{"dave", protocol.AddFriendUsernameNotExist},
	}
	for _, tt := range tests {
		status, err := alice.AddFriend(tt.username)
		if err != nil {
			t.Fatalf("AddFriend(%q) failed: %v", tt.username, err)
		}
		if status != tt.want {
			t.Errorf("AddFriend(%q): expected %v, got %v", tt.username, tt.want, status)
		}
	}

	friends, err = alice.FriendList()
	if err != nil {
		t.Fatalf("FriendList failed: %v", err)
	}
	want := []protocol.Friend{
		{Username: "bob", Status: protocol.FriendOnline, IP: "10.0.0.2", Port: 5000},
		{Username: "carol", Status: protocol.FriendOffline},
	}
	if !reflect.DeepEqual(friends, want) {
		t.Errorf("Expected %v, got %v", want, friends)
	}

	// friendship goes both ways
	friends, _ = bob.FriendList()
	want = []protocol.Friend{{Username: "alice", Status: protocol.FriendOnline, IP: "10.0.0.1", Port: 4000}}
	if !reflect.DeepEqual(friends, want) {
		t.Errorf("Expected %v, got %v", want, friends)
	}
	if status, _ := bob.AddFriend("alice"); status != protocol.AddFriendAlreadyFriend {
		t.Errorf("Expected %v, got %v", protocol.AddFriendAlreadyFriend, status)
	}
}

func TestFriendEntryNonIPv4(t *testing.T) {
	got := friendEntry(models.Account{Username: "bob", Presence: &models.Presence{IP: "::1", Port: 5000}})
	want := protocol.Friend{Username: "bob", Status: protocol.FriendOffline}
	if got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestProtocolViolationClearsPresence(t *testing.T) {
	srv, database := setupTestServer(t)
	createAccount(t, database, "alice", "secret")

	serverConn, clientConn := net.Pipe()
	conn := addrConn{Conn: serverConn, remote: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 50000}}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handleConnection(context.Background(), conn)
	}()
	defer clientConn.Close()

	c := client.New(clientConn)
	if status, _ := c.Login("alice", "secret", 4000); status != protocol.LoginOK {
		t.Fatalf("login: %v", status)
	}

	before := testutil.ToFloat64(protocolErrors)
	if _, err := clientConn.Write([]byte{9}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	waitClosed(t, done)

	if presenceOf(t, database, "alice") != nil {
		t.Errorf("expected presence cleared after protocol violation")
	}
	if got := testutil.ToFloat64(protocolErrors) - before; got != 1 {
		t.Errorf("Expected one protocol error, got %v", got)
	}
}

type failingDirectory struct {
	*db.DB
}

func (failingDirectory) FindByUsername(context.Context, string) (*models.Account, error) {
	return nil, errors.New("disk on fire")
}

func TestDirectoryFailureClosesConnection(t *testing.T) {
	_, database := setupTestServer(t)
	srv := New(failingDirectory{database}, &ServerConfig{})

	c, done := connect(t, srv, "10.0.0.1", 50000)
	if _, err := c.Login("alice", "secret", 4000); err == nil {
		t.Errorf("expected login to fail when the directory fails")
	}
	waitClosed(t, done)
}

type presenceEvent struct {
	username string
	online   bool
	presence models.Presence
}

type recordingListener struct {
	mu     sync.Mutex
	events []presenceEvent
}

func (l *recordingListener) Online(_ context.Context, username string, p models.Presence) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, presenceEvent{username, true, p})
	return nil
}

func (l *recordingListener) Offline(_ context.Context, username string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, presenceEvent{username: username})
	return nil
}

func TestPresenceListener(t *testing.T) {
	listener := &recordingListener{}
	srv, database := setupTestServer(t, WithPresenceListener(listener))
	createAccount(t, database, "alice", "secret")

	c, done := connect(t, srv, "10.0.0.1", 50000)
	if status, _ := c.Login("alice", "secret", 4000); status != protocol.LoginOK {
		t.Fatalf("login: %v", status)
	}
	c.Close()
	waitClosed(t, done)

	want := []presenceEvent{
		{"alice", true, models.Presence{IP: "10.0.0.1", Port: 4000}},
		{username: "alice"},
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if !reflect.DeepEqual(listener.events, want) {
		t.Errorf("Expected %v, got %v", want, listener.events)
	}
}

func TestServeAndShutdown(t *testing.T) {
	srv, database := setupTestServer(t)
	createAccount(t, database, "alice", "secret")

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	c, err := client.Dial(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	if status, _ := c.Login("alice", "secret", 4000); status != protocol.LoginOK {
		t.Fatalf("login: %v", status)
	}
	if got := presenceOf(t, database, "alice"); got == nil || got.IP != "127.0.0.1" {
		t.Errorf("unexpected presence %#v", got)
	}
	stats := srv.GetStats()
	if stats.Connections != 1 || !reflect.DeepEqual(stats.Users, []string{"alice"}) {
		t.Errorf("unexpected stats %#v", stats)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	// Shutdown waits for teardown, so presence is already clear
	srv.Shutdown()
	if presenceOf(t, database, "alice") != nil {
		t.Errorf("expected presence cleared by shutdown")
	}
	if stats := srv.GetStats(); stats.Connections != 0 || len(stats.Users) != 0 {
		t.Errorf("unexpected stats after shutdown %#v", stats)
	}
	if _, err := c.FriendList(); err == nil {
		t.Errorf("expected closed connection after shutdown")
	}
}
