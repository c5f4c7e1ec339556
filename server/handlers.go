package server

import (
	"context"
	"errors"

	"chtbx/db"
	"chtbx/models"
	"chtbx/protocol"
)

// handleLogin answers with the first status that applies: unknown username,
// wrong password, already online, then OK. Going online is a single
// compare-and-set in the directory, so two racing logins cannot both win.
func (s *Server) handleLogin(ctx context.Context, sess *Session, req protocol.LoginRequest) (protocol.Response, error) {
	status, err := s.login(ctx, sess, req)
	if err != nil {
		return nil, err
	}
	loginsTotal.WithLabelValues(statusLabel(status)).Inc()
	return protocol.LoginResponse{Status: status}, nil
}

func (s *Server) login(ctx context.Context, sess *Session, req protocol.LoginRequest) (protocol.LoginStatus, error) {
	// one login per connection
	if sess.Authenticated() {
		return protocol.LoginAlreadyLoggedIn, nil
	}

	account, err := s.dir.FindByUsername(ctx, req.Username)
	if errors.Is(err, db.ErrNotFound) {
		sess.log.Info().Str("username", req.Username).Msg("login: username does not exist")
		return protocol.LoginUsernameNotExist, nil
	}
	if err != nil {
		return 0, err
	}

	if !s.dir.CheckPassword(account, req.Password) {
		sess.log.Info().Str("username", req.Username).Msg("login: password mismatch")
		return protocol.LoginWrongPassword, nil
	}

	if account.Online() {
		sess.log.Info().Str("username", req.Username).Msg("login: already logged in")
		return protocol.LoginAlreadyLoggedIn, nil
	}

	presence := models.Presence{IP: sess.ip, Port: req.Port}
	claimed, err := s.dir.ClaimPresence(ctx, account.ID, presence)
	if err != nil {
		return 0, err
	}
	if !claimed {
		sess.log.Info().Str("username", req.Username).Msg("login: lost race to another session")
		return protocol.LoginAlreadyLoggedIn, nil
	}

	account.Presence = &presence
	sess.authenticate(account)
	s.addSession(account.Username, sess)
	sessionsAuthenticated.Inc()

	if s.presence != nil {
		if err := s.presence.Online(ctx, account.Username, presence); err != nil {
			sess.log.Warn().Err(err).Msg("presence listener failed")
		}
	}
	sess.log.Info().Str("ip", presence.IP).Uint16("port", presence.Port).Msg("client logged in")
	return protocol.LoginOK, nil
}

// handleRegister creates the account but does not log the session in.
func (s *Server) handleRegister(ctx context.Context, sess *Session, req protocol.RegisterRequest) (protocol.Response, error) {
	_, err := s.dir.FindByUsername(ctx, req.Username)
	if err == nil {
		return protocol.RegisterResponse{Status: protocol.RegisterUsernameIsExist}, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	_, err = s.dir.Create(ctx, req.Username, req.Password)
	if errors.Is(err, db.ErrUsernameTaken) {
		return protocol.RegisterResponse{Status: protocol.RegisterUsernameIsExist}, nil
	}
	if err != nil {
		return nil, err
	}

	sess.log.Info().Str("username", req.Username).Msg("account registered")
	return protocol.RegisterResponse{Status: protocol.RegisterOK}, nil
}

// handleFriendList returns an empty list to unauthenticated sessions.
func (s *Server) handleFriendList(ctx context.Context, sess *Session) (protocol.Response, error) {
	id, ok := sess.accountID()
	if !ok {
		return protocol.FriendListResponse{Friends: []protocol.Friend{}}, nil
	}

	accounts, err := s.dir.Friends(ctx, id)
	if err != nil {
		return nil, err
	}

	friends := make([]protocol.Friend, 0, len(accounts))
	for _, a := range accounts {
		friends = append(friends, friendEntry(a))
	}
	return protocol.FriendListResponse{Friends: friends}, nil
}

func friendEntry(a models.Account) protocol.Friend {
	f := protocol.Friend{Username: a.Username, Status: protocol.FriendOffline}
	if a.Presence == nil {
		return f
	}
	// an address the wire cannot carry is reported as offline
	if _, err := protocol.ParseIP(a.Presence.IP); err != nil {
		return f
	}
	f.Status = protocol.FriendOnline
	f.IP = a.Presence.IP
	f.Port = a.Presence.Port
	return f
}

func (s *Server) handleAddFriend(ctx context.Context, sess *Session, req protocol.AddFriendRequest) (protocol.Response, error) {
	status, err := s.addFriend(ctx, sess, req.Username)
	if err != nil {
		return nil, err
	}
	return protocol.AddFriendResponse{Status: status}, nil
}

func (s *Server) addFriend(ctx context.Context, sess *Session, username string) (protocol.AddFriendStatus, error) {
	id, ok := sess.accountID()
	if !ok {
		return protocol.AddFriendNotLoggedIn, nil
	}

	friend, err := s.dir.FindByUsername(ctx, username)
	if errors.Is(err, db.ErrNotFound) {
		return protocol.AddFriendUsernameNotExist, nil
	}
	if err != nil {
		return 0, err
	}
	if friend.ID == id {
		return protocol.AddFriendCannotAddSelf, nil
	}

	err = s.dir.AddFriend(ctx, id, friend.ID)
	if errors.Is(err, db.ErrAlreadyFriends) {
		return protocol.AddFriendAlreadyFriend, nil
	}
	if err != nil {
		return 0, err
	}

	sess.log.Info().Str("friend", username).Msg("friend added")
	return protocol.AddFriendOK, nil
}
