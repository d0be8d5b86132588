package deposit

import "time"

// Session is either Disconnected (zero value) or Connected to one account address.
type Session struct {
	address string
}

// Disconnected is the empty session.
var Disconnected = Session{}

// Connected returns a session bound to address.
func Connected(address string) Session {
	return Session{address: address}
}

func (s Session) IsConnected() bool { return s.address != "" }

// Address returns the connected account and whether there is one.
func (s Session) Address() (string, bool) {
	return s.address, s.address != ""
}

// Short renders the address as the connect button does: first six and last four characters.
func (s Session) Short() string {
	if len(s.address) <= 10 {
		return s.address
	}
	return s.address[:6] + "..." + s.address[len(s.address)-4:]
}

// State is the UI-level state of the controller.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDepositing   State = "depositing"
)

type StatusKind string

const (
	StatusInfo    StatusKind = "info"
	StatusSuccess StatusKind = "success"
	StatusError   StatusKind = "error"
)

// Status is a transient user-facing message. A zero TTL never expires on its own.
type Status struct {
	Kind    StatusKind    `json:"type"`
	Message string        `json:"message"`
	TTL     time.Duration `json:"-"`
	At      time.Time     `json:"at"`
}

// Expired reports whether the status should no longer be shown at now.
func (s Status) Expired(now time.Time) bool {
	return s.TTL > 0 && !now.Before(s.At.Add(s.TTL))
}

const (
	connectedStatusTTL    = 3 * time.Second
	errorStatusTTL        = 5 * time.Second
	disconnectedStatusTTL = 2 * time.Second
	depositStatusTTL      = 5 * time.Second
)

// Mode tells which branch settled a deposit.
type Mode string

const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
)
