package talk

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/talkd/talkd/ratemeter"
)

// commandContext carries everything a handler's two phases need.
type commandContext struct {
	engine      *Engine
	srv         *Server
	reg         *Registry
	from        *Talker
	params      []string
	hasTrailing bool
}

// commandSpec is one entry in the static command table. validate
// inspects the parameters and returns the executable for phase two;
// expected business outcomes are replies produced during execution,
// never errors.
type commandSpec struct {
	name           string
	registeredOnly bool
	// essential commands are exempt from overload admission control.
	essential bool
	validate  func(ctx *commandContext) (func(), error)
}

// Engine decodes raw protocol lines into structured requests, validates
// syntax and prefix, and dispatches to the command table.
type Engine struct {
	srv      *Server
	handlers map[string]*commandSpec

	meterMu sync.Mutex
	meters  map[string]*ratemeter.Meter
}

func newEngine(srv *Server) *Engine {
	e := &Engine{
		srv:      srv,
		handlers: make(map[string]*commandSpec),
		meters:   make(map[string]*ratemeter.Meter),
	}
	e.registerAll()
	return e
}

func (e *Engine) register(spec *commandSpec) {
	if _, dup := e.handlers[spec.name]; dup {
		// A duplicate table entry is a programming error, not a
		// runtime condition.
		log.Panicf("engine: duplicate command registration: %s", spec.name)
	}
	e.handlers[spec.name] = spec
}

// CommandMeter returns the duration meter for a command name, if any
// dispatches have been recorded for it.
func (e *Engine) CommandMeter(name string) (*ratemeter.Meter, bool) {
	e.meterMu.Lock()
	defer e.meterMu.Unlock()
	m, ok := e.meters[strings.ToUpper(name)]
	return m, ok
}

// Dispatch processes one raw inbound line on behalf of a talker. All
// outcomes, including errors, surface as outbound replies; only the
// bad-prefix integrity violation terminates the connection.
func (e *Engine) Dispatch(raw string, from *Talker) {
	cfg := e.srv.Config()

	if len(raw) > cfg.MaxLineLength {
		e.srv.sendReply(from, ErrUnknownError, "line too long")
		return
	}

	msg := ParseMessage(raw)
	if msg == nil {
		return
	}

	// A prefix must name the requestor itself, or an entity reachable
	// via the same connection for relaying variants. A mismatch is a
	// protocol-integrity violation: the offender is disconnected and
	// the line is dropped.
	if msg.Prefix != "" && !e.prefixValid(msg.Prefix, from) {
		log.Printf("[%s] bad prefix %q from %s, disconnecting", from.Hostname(), msg.Prefix, from.Nick())
		e.srv.forceDisconnect(from, "bad message prefix")
		return
	}

	// Numeric reply codes from peers are accepted but not interpreted.
	if msg.IsNumeric() {
		return
	}

	spec, ok := e.handlers[msg.Command]
	if !ok {
		e.srv.sendReply(from, ErrUnknownCommand, msg.Command, "Unknown command")
		return
	}

	// Shed-load admission control: under overload only the essential
	// allow-list runs for non-operator requestors.
	if e.srv.Overloaded() && !spec.essential && !from.Modes().Operator {
		e.srv.sendReply(from, ErrFileError, msg.Command, "Server too busy, try again later")
		return
	}

	if spec.registeredOnly && !from.IsRegistered() {
		e.srv.sendReply(from, ErrNotRegistered, "You have not registered")
		return
	}

	e.srv.transcript.Offer(transcriptLine(from.Nick(), raw))

	start := time.Now()
	defer e.recordDuration(msg.Command, start)

	ctx := &commandContext{
		engine:      e,
		srv:         e.srv,
		reg:         e.srv.Registry(),
		from:        from,
		params:      msg.Params,
		hasTrailing: msg.HasTrailing,
	}

	exec, err := spec.validate(ctx)
	switch err {
	case nil:
		exec()
	case ErrParams:
		e.srv.sendReply(from, ErrNeedMoreParams, msg.Command, "Not enough parameters")
	case ErrSyntax:
		e.srv.sendReply(from, ErrUnknownError, msg.Command, "Syntax error")
	default:
		// Handlers funnel everything else through replies; an unknown
		// validation error is a programming error.
		log.Panicf("engine: %s validate returned unexpected error: %v", msg.Command, err)
	}
}

func (e *Engine) prefixValid(prefix string, from *Talker) bool {
	nick, _, _ := ParseHostmask(prefix)

	if from.Kind() == KindUser {
		own := from.Nick()
		return own != "" && strings.EqualFold(nick, own)
	}

	// Server and Service requestors relay for entities on the same
	// connection.
	if strings.EqualFold(nick, from.Nick()) {
		return true
	}
	if t, ok := e.srv.Registry().UserByNick(nick); ok {
		return t.Conn() == from.Conn()
	}
	return false
}

// recordDuration feeds the per-command throughput meters. Best-effort:
// it never blocks dispatch and swallows meter setup failures.
func (e *Engine) recordDuration(command string, start time.Time) {
	elapsed := time.Since(start)

	e.meterMu.Lock()
	meter, ok := e.meters[command]
	if !ok {
		var err error
		meter, err = ratemeter.New(e.srv.Config().RateMeterWindow)
		if err != nil {
			e.meterMu.Unlock()
			return
		}
		e.meters[command] = meter
	}
	e.meterMu.Unlock()

	meter.Record(elapsed.Microseconds())
	commandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
	commandsTotal.WithLabelValues(command).Inc()
}
