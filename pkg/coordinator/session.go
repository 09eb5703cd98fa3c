package coordinator

import "github.com/google/uuid"

// ClientSession is the external-facing handle a REPL or test harness
// submits statements through: it is owned by exactly one client and has
// at most one open transaction at a time (spec §3). clientId is grounded
// on the handout's REPLConfig.clientId.
type ClientSession struct {
	ID  uuid.UUID
	tid uint64
}

// NewSession constructs a fresh session with no open transaction.
func NewSession() *ClientSession {
	return &ClientSession{ID: uuid.New()}
}

// TID returns the session's open transaction id, or 0 if none is open.
func (s *ClientSession) TID() uint64 {
	return s.tid
}
