package talk

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/charmap"

	"github.com/talkd/talkd/ratemeter"
)

// ConnState is the lifecycle state of a Connection. Transitions are
// monotonic toward the terminal states; a closed connection is never
// resurrected.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnOperational
	ConnClose // graceful shutdown requested, not yet processed
	ConnBroken
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "NEW"
	case ConnOperational:
		return "OPERATIONAL"
	case ConnClose:
		return "CLOSE"
	case ConnBroken:
		return "BROKEN"
	case ConnClosing:
		return "CLOSING"
	case ConnClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// Connection represents a live socket and its mailboxes, independent of
// which Talker currently owns it.
type Connection struct {
	mu    sync.RWMutex
	id    string
	state ConnState

	sock     net.Conn
	hostname string
	// Negotiated text encoding; nil means UTF-8 passthrough.
	enc *charmap.Charmap

	talker *Talker

	// Single-slot inbound mailbox: at most one undelivered line. New
	// arrivals are rejected, not queued, until the slot is drained.
	inMu   sync.Mutex
	inLine string
	inFull bool

	// Bounded outbound mailbox; enqueue fails when full (backpressure).
	outbound chan string

	// Partial-line accumulation for the pooled reader.
	pendMu     sync.Mutex
	pending    []byte
	maxPending int

	reads  atomic.Uint64
	writes atomic.Uint64

	inMeter  *ratemeter.Meter
	outMeter *ratemeter.Meter

	lastPingSent time.Time
	lastPongRecv time.Time
	pingPending  bool

	createdAt time.Time
}

// NewConnection wraps an accepted socket. The outbound mailbox capacity
// and meter window come from the active configuration snapshot.
func NewConnection(sock net.Conn, cfg *Config) *Connection {
	inMeter, _ := ratemeter.New(cfg.RateMeterWindow)
	outMeter, _ := ratemeter.New(cfg.RateMeterWindow)
	host := sock.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return &Connection{
		id:           uuid.NewString(),
		state:        ConnNew,
		sock:         sock,
		hostname:     host,
		outbound:     make(chan string, cfg.OutboundMailboxSize),
		maxPending:   cfg.MaxLineLength * 4,
		inMeter:      inMeter,
		outMeter:     outMeter,
		lastPongRecv: time.Now(),
		createdAt:    time.Now(),
	}
}

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// MarkOperational moves NEW to OPERATIONAL. It is a no-op from any
// other state.
func (c *Connection) MarkOperational() {
	c.mu.Lock()
	if c.state == ConnNew {
		c.state = ConnOperational
	}
	c.mu.Unlock()
}

// RequestClose requests a graceful shutdown. Requesting it twice, or
// from a terminal-adjacent state, is a no-op.
func (c *Connection) RequestClose() {
	c.mu.Lock()
	if c.state == ConnNew || c.state == ConnOperational {
		c.state = ConnClose
	}
	c.mu.Unlock()
}

// MarkBroken records an I/O failure. Idempotent under the same guard as
// RequestClose: a connection already heading down is never overwritten.
func (c *Connection) MarkBroken() {
	c.mu.Lock()
	if c.state == ConnNew || c.state == ConnOperational {
		c.state = ConnBroken
	}
	c.mu.Unlock()
}

// BeginTeardown moves CLOSE or BROKEN to CLOSING. It returns true when
// this caller won the transition and owns releasing the socket.
func (c *Connection) BeginTeardown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnClose || c.state == ConnBroken {
		c.state = ConnClosing
		return true
	}
	return false
}

// FinishTeardown moves CLOSING to the terminal CLOSED state.
func (c *Connection) FinishTeardown() {
	c.mu.Lock()
	if c.state == ConnClosing {
		c.state = ConnClosed
	}
	c.mu.Unlock()
}

// NeedsTeardown reports whether the health monitor should pick this
// connection up.
func (c *Connection) NeedsTeardown() bool {
	s := c.State()
	return s == ConnClose || s == ConnBroken
}

// SetEncoding sets the negotiated text encoding. A nil charmap means
// UTF-8 passthrough.
func (c *Connection) SetEncoding(enc *charmap.Charmap) {
	c.mu.Lock()
	c.enc = enc
	c.mu.Unlock()
}

func (c *Connection) encoding() *charmap.Charmap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enc
}

// Hostname returns the connection's resolved hostname, or its numeric
// address when resolution was skipped.
func (c *Connection) Hostname() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hostname
}

// SetHostname records the reverse-resolved hostname.
func (c *Connection) SetHostname(h string) {
	c.mu.Lock()
	c.hostname = h
	c.mu.Unlock()
}

// Talker returns the identity currently bound to this connection.
func (c *Connection) Talker() *Talker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.talker
}

func (c *Connection) bindTalker(t *Talker) {
	c.mu.Lock()
	c.talker = t
	c.mu.Unlock()
}

// OfferInbound deposits one line into the single-slot inbound mailbox.
// It reports false when the slot is still occupied.
func (c *Connection) OfferInbound(line string) bool {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	if c.inFull {
		return false
	}
	c.inLine = line
	c.inFull = true
	return true
}

// TakeInbound drains the inbound mailbox.
func (c *Connection) TakeInbound() (string, bool) {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	if !c.inFull {
		return "", false
	}
	line := c.inLine
	c.inLine = ""
	c.inFull = false
	return line, true
}

// InboundEmpty reports whether the reader may deposit another line.
func (c *Connection) InboundEmpty() bool {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	return !c.inFull
}

// EnqueueOutbound offers a line to the bounded outbound mailbox. It
// reports false instead of blocking when the mailbox is full; the
// caller decides whether to drop, retry, or disconnect the consumer.
func (c *Connection) EnqueueOutbound(line string) bool {
	select {
	case c.outbound <- line:
		return true
	default:
		return false
	}
}

// DequeueOutbound pops the oldest queued outbound line, if any.
func (c *Connection) DequeueOutbound() (string, bool) {
	select {
	case line := <-c.outbound:
		return line, true
	default:
		return "", false
	}
}

// OutboundLen returns the number of queued outbound lines.
func (c *Connection) OutboundLen() int { return len(c.outbound) }

// ReadLine attempts a non-blocking line read: it polls the socket with
// a short deadline, accumulates partial input, and returns a complete
// line once the terminator arrives. A deadline expiry is not an error.
func (c *Connection) ReadLine(deadline time.Duration) (string, bool, error) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()

	if line, ok := c.takePendingLocked(); ok {
		return line, true, nil
	}

	c.sock.SetReadDeadline(time.Now().Add(deadline))
	buf := make([]byte, 512)
	n, err := c.sock.Read(buf)
	if n > 0 {
		c.pending = append(c.pending, buf[:n]...)
		if len(c.pending) > c.maxPending {
			return "", false, fmt.Errorf("%w (%d bytes without terminator)", ErrLineTooLong, len(c.pending))
		}
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			err = nil
		}
	}

	if line, ok := c.takePendingLocked(); ok {
		return line, true, nil
	}
	return "", false, err
}

func (c *Connection) takePendingLocked() (string, bool) {
	idx := bytes.IndexByte(c.pending, '\n')
	if idx < 0 {
		return "", false
	}
	raw := c.pending[:idx]
	c.pending = append([]byte(nil), c.pending[idx+1:]...)
	raw = bytes.TrimSuffix(raw, []byte("\r"))

	line := string(raw)
	if enc := c.encoding(); enc != nil {
		if decoded, err := enc.NewDecoder().String(line); err == nil {
			line = decoded
		}
	}
	return line, true
}

// WriteLine writes one line terminated by CRLF and flushes it.
func (c *Connection) WriteLine(line string) error {
	if enc := c.encoding(); enc != nil {
		if encoded, err := enc.NewEncoder().String(line); err == nil {
			line = encoded
		}
	}
	_, err := c.sock.Write([]byte(line + "\r\n"))
	return err
}

// CloseSocket releases both sides of the socket. Close errors are
// reported, not fatal.
func (c *Connection) CloseSocket() error {
	return c.sock.Close()
}

// RecordRead updates the read counters and input rate meter.
func (c *Connection) RecordRead(at time.Time) {
	c.reads.Add(1)
	c.inMeter.Record(at.UnixMilli())
}

// RecordWrite updates the write counters and output rate meter.
func (c *Connection) RecordWrite(at time.Time) {
	c.writes.Add(1)
	c.outMeter.Record(at.UnixMilli())
}

// Reads returns the total number of lines read from the socket.
func (c *Connection) Reads() uint64 { return c.reads.Load() }

// Writes returns the total number of lines written to the socket.
func (c *Connection) Writes() uint64 { return c.writes.Load() }

// ReadAllowed reports whether the minimum inter-read interval has
// elapsed according to the input rate meter. Best-effort: a torn meter
// snapshot only skews the throttle, never correctness.
func (c *Connection) ReadAllowed(minInterval time.Duration, now time.Time) bool {
	if minInterval <= 0 || c.inMeter.Count() < 2 {
		return true
	}
	predicted := c.inMeter.AverageIntervalIfAppended(now.UnixMilli())
	return predicted >= float64(minInterval.Milliseconds())
}

// Ping bookkeeping for the talker health monitor.

func (c *Connection) NotePingSent(at time.Time) {
	c.mu.Lock()
	c.lastPingSent = at
	c.pingPending = true
	c.mu.Unlock()
}

func (c *Connection) NotePongReceived(at time.Time) {
	c.mu.Lock()
	c.lastPongRecv = at
	c.pingPending = false
	c.mu.Unlock()
}

func (c *Connection) PingStatus() (lastPing, lastPong time.Time, pending bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPingSent, c.lastPongRecv, c.pingPending
}
