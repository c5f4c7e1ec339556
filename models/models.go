package models

// Presence is where an online account accepts peer connections.
type Presence struct {
	IP   string
	Port uint16
}

type Account struct {
	ID       int64
	Username string
	Password string    // hashed
	Presence *Presence // nil while offline
}

// Online reports whether some session currently holds the account.
func (a *Account) Online() bool {
	return a.Presence != nil
}
