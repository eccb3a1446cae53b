package talk

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// TalkerKind tags the concrete variant of a Talker.
type TalkerKind int

const (
	KindUser TalkerKind = iota
	KindServer
	KindService
)

func (k TalkerKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindServer:
		return "server"
	case KindService:
		return "service"
	}
	return fmt.Sprintf("TalkerKind(%d)", int(k))
}

// TalkerState is the registration lifecycle of a Talker. "Registered"
// is defined as exactly TalkerOperational; there is no separate
// boolean.
type TalkerState int

const (
	TalkerNew TalkerState = iota
	TalkerRegistering
	TalkerOperational
	TalkerClose
	TalkerBroken
	TalkerClosing
	TalkerClosed
)

func (s TalkerState) String() string {
	switch s {
	case TalkerNew:
		return "NEW"
	case TalkerRegistering:
		return "REGISTERING"
	case TalkerOperational:
		return "OPERATIONAL"
	case TalkerClose:
		return "CLOSE"
	case TalkerBroken:
		return "BROKEN"
	case TalkerClosing:
		return "CLOSING"
	case TalkerClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("TalkerState(%d)", int(s))
}

// UserModes are the mode flags carried by User talkers.
type UserModes struct {
	Operator   bool
	Restricted bool
	Invisible  bool
	Wallops    bool
	Away       bool
}

// Talker is any protocol participant with an identity: a User, a remote
// Server, or a Service. All variants share the state-machine core and
// differ in which fields they populate. The Connection back-reference
// is weak: the Talker never owns the Connection's lifecycle.
type Talker struct {
	mu    sync.RWMutex
	id    string
	kind  TalkerKind
	state TalkerState

	nick     string
	username string
	realname string
	addr     string
	hostname string
	hops     int

	conn *Connection

	// User-only fields
	password    string
	modes       UserModes
	awayMessage string
	channels    map[string]*Channel
	maxChannels int
}

// NewTalker creates a placeholder identity for an accepted connection.
func NewTalker(kind TalkerKind, conn *Connection, cfg *Config) *Talker {
	t := &Talker{
		id:          uuid.NewString(),
		kind:        kind,
		state:       TalkerNew,
		conn:        conn,
		channels:    make(map[string]*Channel),
		maxChannels: cfg.MaxChannelsPerUser,
	}
	if conn != nil {
		t.addr = conn.sock.RemoteAddr().String()
		t.hostname = conn.Hostname()
	}
	return t
}

// ID returns the talker's unique id.
func (t *Talker) ID() string { return t.id }

// Kind returns the variant tag.
func (t *Talker) Kind() TalkerKind { return t.kind }

// Conn returns the owning connection.
func (t *Talker) Conn() *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// State returns the current registration state.
func (t *Talker) State() TalkerState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// IsRegistered reports whether the talker may fully participate.
func (t *Talker) IsRegistered() bool { return t.State() == TalkerOperational }

// MarkRegistering moves NEW to REGISTERING once the first identity
// field arrives. No-op from any later state.
func (t *Talker) MarkRegistering() {
	t.mu.Lock()
	if t.state == TalkerNew {
		t.state = TalkerRegistering
	}
	t.mu.Unlock()
}

// promote moves the talker to OPERATIONAL once all required identity
// fields are populated. It reports whether this call performed the
// promotion.
func (t *Talker) promote() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TalkerNew && t.state != TalkerRegistering {
		return false
	}
	if t.nick == "" || (t.kind == KindUser && t.username == "") {
		return false
	}
	t.state = TalkerOperational
	return true
}

// RequestClose requests teardown. Idempotent under the same
// check-and-set guard as the Connection machine.
func (t *Talker) RequestClose() {
	t.mu.Lock()
	switch t.state {
	case TalkerNew, TalkerRegistering, TalkerOperational:
		t.state = TalkerClose
	}
	t.mu.Unlock()
}

// MarkBroken records a failure-driven teardown.
func (t *Talker) MarkBroken() {
	t.mu.Lock()
	switch t.state {
	case TalkerNew, TalkerRegistering, TalkerOperational:
		t.state = TalkerBroken
	}
	t.mu.Unlock()
}

// BeginTeardown moves CLOSE or BROKEN to CLOSING; true when this caller
// won the transition.
func (t *Talker) BeginTeardown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TalkerClose || t.state == TalkerBroken {
		t.state = TalkerClosing
		return true
	}
	return false
}

// FinishTeardown moves CLOSING to the terminal CLOSED state.
func (t *Talker) FinishTeardown() {
	t.mu.Lock()
	if t.state == TalkerClosing {
		t.state = TalkerClosed
	}
	t.mu.Unlock()
}

// Nick returns the current nickname. Uniqueness is enforced only by the
// Registry, never by comparing Talker instances directly.
func (t *Talker) Nick() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nick
}

func (t *Talker) setNick(nick string) {
	t.mu.Lock()
	t.nick = nick
	t.mu.Unlock()
}

// Username returns the account name.
func (t *Talker) Username() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.username
}

// SetIdentity records the account and real names supplied during the
// registration handshake.
func (t *Talker) SetIdentity(username, realname string) {
	t.mu.Lock()
	t.username = username
	t.realname = realname
	t.mu.Unlock()
}

// Realname returns the real name.
func (t *Talker) Realname() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.realname
}

// Hostname returns the resolved host.
func (t *Talker) Hostname() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hostname
}

// Hostmask returns nick!user@host for message origins.
func (t *Talker) Hostmask() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return FormatHostmask(t.nick, t.username, t.hostname)
}

// SetPassword stores the connection password supplied before
// registration completes.
func (t *Talker) SetPassword(pw string) {
	t.mu.Lock()
	t.password = pw
	t.mu.Unlock()
}

// Password returns the stored connection password.
func (t *Talker) Password() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.password
}

// Modes returns a copy of the user mode flags.
func (t *Talker) Modes() UserModes {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.modes
}

// SetOperator grants or revokes server-operator status.
func (t *Talker) SetOperator(on bool) {
	t.mu.Lock()
	t.modes.Operator = on
	t.mu.Unlock()
}

// SetRestricted marks the user as restricted.
func (t *Talker) SetRestricted(on bool) {
	t.mu.Lock()
	t.modes.Restricted = on
	t.mu.Unlock()
}

// SetAway sets or clears the away message.
func (t *Talker) SetAway(message string) {
	t.mu.Lock()
	t.awayMessage = message
	t.modes.Away = message != ""
	t.mu.Unlock()
}

// AwayMessage returns the away text, empty when present.
func (t *Talker) AwayMessage() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.awayMessage
}

// AddChannel records channel membership on the user side, bounded by
// the configured per-user maximum.
func (t *Talker) AddChannel(ch *Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.channels) >= t.maxChannels {
		return ErrChannelLimit
	}
	t.channels[ch.Key()] = ch
	return nil
}

// RemoveChannel drops the user-side membership record.
func (t *Talker) RemoveChannel(ch *Channel) {
	t.mu.Lock()
	delete(t.channels, ch.Key())
	t.mu.Unlock()
}

// Channels returns a snapshot of the joined channels.
func (t *Talker) Channels() []*Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		out = append(out, ch)
	}
	return out
}

// OnChannel reports whether the user is joined to the named channel.
func (t *Talker) OnChannel(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.channels[channelKey(name)]
	return ok
}
