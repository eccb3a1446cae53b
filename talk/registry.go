package talk

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// NickHistoryEntry records a nickname's previous owner for WHOWAS-style
// queries.
type NickHistoryEntry struct {
	Nick     string
	Username string
	Hostname string
	Seen     time.Time
}

// registryLimits freezes the capacity ceilings at construction. A
// Registry lives for exactly one server epoch and is replaced
// wholesale, never patched, on reconfiguration.
type registryLimits struct {
	conns          int
	users          int
	channels       int
	services       int
	servers        int
	historyPerNick int
	historyNicks   int
}

// Registry is the process-wide directory of all Talkers, Channels, and
// Connections. Every registration is atomic with respect to its
// capacity and uniqueness checks; every collection has an enforced
// upper bound; removals are idempotent and report a distinct not-found
// outcome instead of failing.
type Registry struct {
	mu     sync.RWMutex
	limits registryLimits

	conns       map[string]*Connection
	talkers     map[string]*Talker
	usersByNick map[string]*Talker
	services    map[string]*Talker
	servers     map[string]*Talker
	channels    map[string]*Channel

	history   map[string][]NickHistoryEntry
	operators map[string][]byte
}

// NewRegistry builds the directory for one server epoch, seeding the
// operator credential map from the configuration snapshot.
func NewRegistry(cfg *Config) *Registry {
	r := &Registry{
		limits: registryLimits{
			conns:          cfg.MaxConnections,
			users:          cfg.MaxUsers,
			channels:       cfg.MaxChannels,
			services:       cfg.MaxServices,
			servers:        cfg.MaxServers,
			historyPerNick: cfg.NickHistoryPerNick,
			historyNicks:   cfg.NickHistoryNicks,
		},
		conns:       make(map[string]*Connection),
		talkers:     make(map[string]*Talker),
		usersByNick: make(map[string]*Talker),
		services:    make(map[string]*Talker),
		servers:     make(map[string]*Talker),
		channels:    make(map[string]*Channel),
		history:     make(map[string][]NickHistoryEntry),
		operators:   make(map[string][]byte),
	}
	for _, cred := range cfg.OperatorCredentials {
		r.operators[cred.Username] = []byte(cred.PasswordHash)
	}
	return r
}

// AddConnection registers an accepted connection, enforcing the
// connection ceiling.
func (r *Registry) AddConnection(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) >= r.limits.conns {
		return ErrCapacity
	}
	r.conns[c.ID()] = c
	return nil
}

// RemoveConnection unregisters a connection. Removing an absent entry
// reports false, never an error.
func (r *Registry) RemoveConnection(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Connections returns a snapshot of all registered connections.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// AddTalker registers an identity (any variant), enforcing the
// per-variant ceiling.
func (r *Registry) AddTalker(t *Talker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count, limit int
	switch t.Kind() {
	case KindService:
		count, limit = len(r.services), r.limits.services
	case KindServer:
		count, limit = len(r.servers), r.limits.servers
	default:
		count, limit = len(r.talkers)-len(r.services)-len(r.servers), r.limits.users
	}
	if count >= limit {
		return ErrCapacity
	}

	r.talkers[t.ID()] = t
	switch t.Kind() {
	case KindService:
		r.services[t.ID()] = t
	case KindServer:
		r.servers[t.ID()] = t
	}
	return nil
}

// RemoveTalker unregisters an identity, releasing its nickname and
// recording it in the nickname history. Idempotent.
func (r *Registry) RemoveTalker(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.talkers[id]
	if !ok {
		return false
	}
	delete(r.talkers, id)
	delete(r.services, id)
	delete(r.servers, id)

	if nick := t.Nick(); nick != "" {
		key := strings.ToLower(nick)
		if r.usersByNick[key] == t {
			delete(r.usersByNick, key)
			r.recordHistory(t)
		}
	}
	return true
}

// Talker looks up an identity by id.
func (r *Registry) Talker(id string) (*Talker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.talkers[id]
	return t, ok
}

// Talkers returns a snapshot of every registered identity.
func (r *Registry) Talkers() []*Talker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Talker, 0, len(r.talkers))
	for _, t := range r.talkers {
		out = append(out, t)
	}
	return out
}

// BindNick binds a nickname to a talker. The uniqueness check (case
// insensitive) and the capacity check happen atomically with the
// insert. A talker changing nicks releases its old one and leaves a
// history record.
func (r *Registry) BindNick(t *Talker, nick string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(nick)
	if holder, ok := r.usersByNick[key]; ok && holder != t {
		return ErrNickInUse
	}

	old := t.Nick()
	if old == "" && len(r.usersByNick) >= r.limits.users {
		return ErrCapacity
	}

	if old != "" {
		oldKey := strings.ToLower(old)
		if oldKey != key && r.usersByNick[oldKey] == t {
			delete(r.usersByNick, oldKey)
			r.recordHistory(t)
		}
	}

	r.usersByNick[key] = t
	t.setNick(nick)
	return nil
}

// ReleaseNick drops a nickname binding. Idempotent.
func (r *Registry) ReleaseNick(nick string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(nick)
	t, ok := r.usersByNick[key]
	if !ok {
		return false
	}
	delete(r.usersByNick, key)
	r.recordHistory(t)
	return true
}

// UserByNick resolves a nickname, case insensitively.
func (r *Registry) UserByNick(nick string) (*Talker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.usersByNick[strings.ToLower(nick)]
	return t, ok
}

// UserCount returns the number of bound nicknames.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.usersByNick)
}

// AddChannel registers a channel, enforcing name uniqueness and the
// channel ceiling atomically.
func (r *Registry) AddChannel(ch *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[ch.Key()]; ok {
		return ErrChannelExists
	}
	if len(r.channels) >= r.limits.channels {
		return ErrCapacity
	}
	r.channels[ch.Key()] = ch
	return nil
}

// Channel looks up a channel by name, case insensitively.
func (r *Registry) Channel(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelKey(name)]
	return ch, ok
}

// RemoveChannel unregisters a channel. The permanent monitoring channel
// is never removed. Idempotent.
func (r *Registry) RemoveChannel(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[channelKey(name)]
	if !ok || ch.Permanent() {
		return false
	}
	delete(r.channels, channelKey(name))
	return true
}

// Channels returns a snapshot of all channels.
func (r *Registry) Channels() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// ChannelCount returns the number of registered channels.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// DropChannelIfEmpty removes a channel whose membership drained, unless
// it is permanent.
func (r *Registry) DropChannelIfEmpty(ch *Channel) bool {
	if ch.Permanent() || !ch.Empty() {
		return false
	}
	return r.RemoveChannel(ch.Name())
}

// NickHistory returns the recorded history for a nickname, newest last.
func (r *Registry) NickHistory(nick string) []NickHistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.history[strings.ToLower(nick)]
	out := make([]NickHistoryEntry, len(entries))
	copy(out, entries)
	return out
}

// recordHistory appends to the bounded per-nickname ring. The total
// number of tracked nicknames is bounded independently: once at
// capacity, history for previously unseen nicknames is not kept.
func (r *Registry) recordHistory(t *Talker) {
	nick := t.Nick()
	if nick == "" {
		return
	}
	key := strings.ToLower(nick)
	entries, tracked := r.history[key]
	if !tracked && len(r.history) >= r.limits.historyNicks {
		return
	}
	entries = append(entries, NickHistoryEntry{
		Nick:     nick,
		Username: t.Username(),
		Hostname: t.Hostname(),
		Seen:     time.Now(),
	})
	if len(entries) > r.limits.historyPerNick {
		entries = entries[len(entries)-r.limits.historyPerNick:]
	}
	r.history[key] = entries
}

// SetOperator installs an operator credential (bcrypt hash).
func (r *Registry) SetOperator(username string, passwordHash []byte) {
	r.mu.Lock()
	r.operators[username] = passwordHash
	r.mu.Unlock()
}

// Authenticate verifies an operator credential.
func (r *Registry) Authenticate(username, password string) bool {
	r.mu.RLock()
	hash, ok := r.operators[username]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
