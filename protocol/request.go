package protocol

import "fmt"

// RequestType is the leading byte of a control-plane frame. A response
// echoes the type byte of the request it answers.
type RequestType byte

const (
	TypeRegister   RequestType = 0
	TypeLogin      RequestType = 1
	TypeFriendList RequestType = 2
	TypeAddFriend  RequestType = 3
)

func (t RequestType) String() string {
	switch t {
	case TypeRegister:
		return "register"
	case TypeLogin:
		return "login"
	case TypeFriendList:
		return "friend_list"
	case TypeAddFriend:
		return "add_friend"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

type LoginStatus byte

const (
	LoginOK               LoginStatus = 0
	LoginUsernameNotExist LoginStatus = 1
	LoginWrongPassword    LoginStatus = 2
	LoginAlreadyLoggedIn  LoginStatus = 3
)

func (s LoginStatus) String() string {
	switch s {
	case LoginOK:
		return "okay"
	case LoginUsernameNotExist:
		return "username does not exist"
	case LoginWrongPassword:
		return "wrong password"
	case LoginAlreadyLoggedIn:
		return "already logged in elsewhere"
	default:
		return fmt.Sprintf("login status %d", byte(s))
	}
}

type RegisterStatus byte

const (
	RegisterOK              RegisterStatus = 0
	RegisterUsernameIsExist RegisterStatus = 1
)

func (s RegisterStatus) String() string {
	switch s {
	case RegisterOK:
		return "okay, press login"
	case RegisterUsernameIsExist:
		return "username already existed"
	default:
		return fmt.Sprintf("register status %d", byte(s))
	}
}

type AddFriendStatus byte

const (
	AddFriendOK               AddFriendStatus = 0
	AddFriendUsernameNotExist AddFriendStatus = 1
	AddFriendAlreadyFriend    AddFriendStatus = 2
	AddFriendCannotAddSelf    AddFriendStatus = 3
	AddFriendNotLoggedIn      AddFriendStatus = 4
)

func (s AddFriendStatus) String() string {
	switch s {
	case AddFriendOK:
		return "okay"
	case AddFriendUsernameNotExist:
		return "username does not exist"
	case AddFriendAlreadyFriend:
		return "already friends"
	case AddFriendCannotAddSelf:
		return "cannot add yourself"
	case AddFriendNotLoggedIn:
		return "not logged in"
	default:
		return fmt.Sprintf("add friend status %d", byte(s))
	}
}

type FriendStatus byte

const (
	FriendOffline FriendStatus = 0
	FriendOnline  FriendStatus = 1
)

// Friend is one entry of a friend list. IP and Port are set only when
// Status is FriendOnline.
type Friend struct {
	Username string
	Status   FriendStatus
	IP       string
	Port     uint16
}

// Request is one of the *Request types below.
type Request interface {
	Type() RequestType
}

// Response is one of the *Response types below.
type Response interface {
	Type() RequestType
}

type LoginRequest struct {
	Username string
	Password string
	// Port is where the client accepts peer connections. The address comes
	// from the TCP connection itself.
	Port uint16
}

type RegisterRequest struct {
	Username string
	Password string
}

type FriendListRequest struct{}

type AddFriendRequest struct {
	Username string
}

type LoginResponse struct {
	Status LoginStatus
}

type RegisterResponse struct {
	Status RegisterStatus
}

type FriendListResponse struct {
	Friends []Friend
}

type AddFriendResponse struct {
	Status AddFriendStatus
}

func (LoginRequest) Type() RequestType       { return TypeLogin }
func (RegisterRequest) Type() RequestType    { return TypeRegister }
func (FriendListRequest) Type() RequestType  { return TypeFriendList }
func (AddFriendRequest) Type() RequestType   { return TypeAddFriend }
func (LoginResponse) Type() RequestType      { return TypeLogin }
func (RegisterResponse) Type() RequestType   { return TypeRegister }
func (FriendListResponse) Type() RequestType { return TypeFriendList }
func (AddFriendResponse) Type() RequestType  { return TypeAddFriend }

var requestDecoders = map[RequestType]func(*Reader) (Request, error){
	TypeLogin: func(r *Reader) (Request, error) {
		var req LoginRequest
		var err error
		if req.Username, err = r.LenString(); err != nil {
			return nil, err
		}
		if req.Password, err = r.LenString(); err != nil {
			return nil, err
		}
		if req.Port, err = r.TwoBytes(); err != nil {
			return nil, err
		}
		return req, nil
	},
	TypeRegister: func(r *Reader) (Request, error) {
		var req RegisterRequest
		var err error
		if req.Username, err = r.LenString(); err != nil {
			return nil, err
		}
		if req.Password, err = r.LenString(); err != nil {
			return nil, err
		}
		return req, nil
	},
	TypeFriendList: func(*Reader) (Request, error) {
		return FriendListRequest{}, nil
	},
	TypeAddFriend: func(r *Reader) (Request, error) {
		username, err := r.LenString()
		if err != nil {
			return nil, err
		}
		return AddFriendRequest{Username: username}, nil
	},
}

var responseDecoders = map[RequestType]func(*Reader) (Response, error){
	TypeLogin: func(r *Reader) (Response, error) {
		b, err := r.Byte()
		return LoginResponse{Status: LoginStatus(b)}, err
	},
	TypeRegister: func(r *Reader) (Response, error) {
		b, err := r.Byte()
		return RegisterResponse{Status: RegisterStatus(b)}, err
	},
	TypeFriendList: readFriendList,
	TypeAddFriend: func(r *Reader) (Response, error) {
		b, err := r.Byte()
		return AddFriendResponse{Status: AddFriendStatus(b)}, err
	},
}

// ReadRequest decodes one request frame. io.EOF means the stream ended
// cleanly before a new frame began.
func ReadRequest(r *Reader) (Request, error) {
	t, err := r.frameType()
	if err != nil {
		return nil, err
	}
	decode, ok := requestDecoders[RequestType(t)]
	if !ok {
		return nil, fmt.Errorf("%w: request %d", ErrUnknownType, t)
	}
	return decode(r)
}

// ReadResponse decodes one response frame.
func ReadResponse(r *Reader) (Response, error) {
	t, err := r.frameType()
	if err != nil {
		return nil, err
	}
	decode, ok := responseDecoders[RequestType(t)]
	if !ok {
		return nil, fmt.Errorf("%w: response %d", ErrUnknownType, t)
	}
	resp, err := decode(r)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// WriteRequest encodes req without flushing.
func WriteRequest(w *Writer, req Request) error {
	if err := w.Byte(byte(req.Type())); err != nil {
		return err
	}
	switch req := req.(type) {
	case LoginRequest:
		if err := w.LenString(req.Username); err != nil {
			return err
		}
		if err := w.LenString(req.Password); err != nil {
			return err
		}
		return w.TwoBytes(int(req.Port))
	case RegisterRequest:
		if err := w.LenString(req.Username); err != nil {
			return err
		}
		return w.LenString(req.Password)
	case FriendListRequest:
		return nil
	case AddFriendRequest:
		return w.LenString(req.Username)
	default:
		return fmt.Errorf("%w: request %T", ErrUnknownType, req)
	}
}

// WriteResponse encodes resp without flushing.
func WriteResponse(w *Writer, resp Response) error {
	if err := w.Byte(byte(resp.Type())); err != nil {
		return err
	}
	switch resp := resp.(type) {
	case LoginResponse:
		return w.Byte(byte(resp.Status))
	case RegisterResponse:
		return w.Byte(byte(resp.Status))
	case AddFriendResponse:
		return w.Byte(byte(resp.Status))
	case FriendListResponse:
		return writeFriendList(w, resp.Friends)
	default:
		return fmt.Errorf("%w: response %T", ErrUnknownType, resp)
	}
}

// Friend entries are variable length: the address follows only an ONLINE
// status byte.
func writeFriendList(w *Writer, friends []Friend) error {
	if err := w.TwoBytes(len(friends)); err != nil {
		return err
	}
	for _, f := range friends {
		if err := w.LenString(f.Username); err != nil {
			return err
		}
		if err := w.Byte(byte(f.Status)); err != nil {
			return err
		}
		if f.Status != FriendOnline {
			continue
		}
		if err := w.IP(f.IP); err != nil {
			return err
		}
		if err := w.TwoBytes(int(f.Port)); err != nil {
			return err
		}
	}
	return nil
}

func readFriendList(r *Reader) (Response, error) {
	n, err := r.TwoBytes()
	if err != nil {
		return nil, err
	}
	friends := make([]Friend, 0, n)
	for i := 0; i < int(n); i++ {
		var f Friend
		if f.Username, err = r.LenString(); err != nil {
			return nil, err
		}
		status, err := r.Byte()
		if err != nil {
			return nil, err
		}
		f.Status = FriendStatus(status)
		if f.Status == FriendOnline {
			if f.IP, err = r.IP(); err != nil {
				return nil, err
			}
			if f.Port, err = r.TwoBytes(); err != nil {
				return nil, err
			}
		}
		friends = append(friends, f)
	}
	return FriendListResponse{Friends: friends}, nil
}
