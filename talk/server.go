package talk

import (
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// monitorChannelName is the permanent channel operator notices are
// broadcast into. It survives being emptied.
const monitorChannelName = "&MONITOR"

// Server ties the listener, the polling pipeline, the registry and the
// command engine together. All configuration reads go through an atomic
// snapshot so a reconfigure never tears a running pass.
type Server struct {
	cfg       atomic.Pointer[Config]
	registry  *Registry
	engine    *Engine
	formatter Formatter

	listener *listener
	stages   []*stage
	admin    *adminServer

	monitor    *Channel
	monitorSvc *Talker
	transcript *Transcript

	overloaded atomic.Bool
	startedAt  time.Time
}

// NewServer builds a stopped server from the environment configuration.
// bindAddr and adminAddr override the configured addresses when
// non-empty; an empty admin address disables the admin endpoint.
func NewServer(bindAddr, adminAddr string) (*Server, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if bindAddr != "" {
		cfg.BindAddr = bindAddr
	}
	if adminAddr != "" {
		cfg.AdminBindAddr = adminAddr
	}
	return newServer(cfg)
}

func newServer(cfg *Config) (*Server, error) {
	s := &Server{
		registry:  NewRegistry(cfg),
		formatter: NewCodeFormatter(),
	}
	s.cfg.Store(cfg)
	s.transcript = newTranscript(cfg.TranscriptBuffer)
	s.engine = newEngine(s)
	s.listener = newListener(s, cfg.BindAddr)
	if cfg.AdminBindAddr != "" {
		s.admin = newAdminServer(s, cfg.AdminBindAddr)
	}

	if err := s.createMonitorChannel(cfg); err != nil {
		return nil, err
	}

	s.stages = []*stage{
		newStage("reader", s.pollInterval, s.readerTick),
		newStage("dispatcher", s.pollInterval, s.dispatchTick),
		newStage("writer", s.pollInterval, s.writerTick),
		newStage("conn-health", s.healthInterval, s.connHealthTick),
		newStage("talker-health", s.healthInterval, s.talkerHealthTick),
	}
	return s, nil
}

// createMonitorChannel installs the permanent monitoring channel with a
// connectionless service talker as its resident member.
func (s *Server) createMonitorChannel(cfg *Config) error {
	svc := NewTalker(KindService, nil, cfg)
	svc.SetIdentity("monitor", "Server monitor")
	if err := s.registry.AddTalker(svc); err != nil {
		return fmt.Errorf("monitor service: %w", err)
	}
	if err := s.registry.BindNick(svc, "monitor"); err != nil {
		return fmt.Errorf("monitor service: %w", err)
	}
	svc.promote()

	ch := NewChannel(monitorChannelName, cfg)
	ch.permanent = true
	if err := s.registry.AddChannel(ch); err != nil {
		return fmt.Errorf("monitor channel: %w", err)
	}
	if err := ch.Join(svc, ""); err != nil {
		return fmt.Errorf("monitor channel: %w", err)
	}
	svc.AddChannel(ch)

	s.monitor = ch
	s.monitorSvc = svc
	return nil
}

// Config returns the active configuration snapshot.
func (s *Server) Config() *Config { return s.cfg.Load() }

// Reconfigure swaps in a new configuration snapshot. Registry capacity
// ceilings are frozen at construction and keep their original values.
func (s *Server) Reconfigure(cfg *Config) {
	s.cfg.Store(cfg)
	log.Printf("[server] configuration reloaded")
}

// Registry returns the server's entity registry.
func (s *Server) Registry() *Registry { return s.registry }

// Transcript returns the dispatched-command queue, nil when disabled.
func (s *Server) Transcript() *Transcript { return s.transcript }

// Overloaded reports whether the admission controller is shedding
// non-essential commands.
func (s *Server) Overloaded() bool { return s.overloaded.Load() }

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

func (s *Server) pollInterval() time.Duration   { return s.Config().PollInterval }
func (s *Server) healthInterval() time.Duration { return s.Config().HealthInterval }

// Addr returns the listener's bound address, or nil before Start.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Start brings up the listener, the pipeline stages, and the admin
// endpoint. A failure rolls back everything already started.
func (s *Server) Start() error {
	cfg := s.Config()

	if err := s.listener.Start(cfg.StageStartTimeout); err != nil {
		return err
	}

	for i, st := range s.stages {
		if err := st.Start(cfg.StageStartTimeout); err != nil {
			for j := i - 1; j >= 0; j-- {
				s.stages[j].Stop()
			}
			s.listener.Stop()
			return err
		}
	}

	if s.admin != nil {
		if err := s.admin.Start(); err != nil {
			for j := len(s.stages) - 1; j >= 0; j-- {
				s.stages[j].Stop()
			}
			s.listener.Stop()
			return err
		}
	}

	s.startedAt = time.Now()
	log.Printf("[server] %s up on %s", cfg.ServerName, s.listener.Addr())
	return nil
}

// Stop shuts the server down: new connections are refused first, the
// pipeline runs a short drain with near-zero intervals to flush queued
// outbound lines, then the stages stop and every socket is closed.
func (s *Server) Stop() {
	s.listener.Stop()

	s.cfg.Store(s.Config().drainCopy())
	time.Sleep(50 * time.Millisecond)

	for i := len(s.stages) - 1; i >= 0; i-- {
		s.stages[i].Stop()
	}

	for _, c := range s.registry.Connections() {
		c.RequestClose()
		c.WriteLine("ERROR :Server shutting down")
		if c.BeginTeardown() {
			c.CloseSocket()
			c.FinishTeardown()
		}
		s.registry.RemoveConnection(c.ID())
	}

	if s.admin != nil {
		s.admin.Stop()
	}
	log.Printf("[server] stopped")
}

// sendReply queues a numeric reply line for the talker. Replies to a
// not-yet-named talker target "*".
func (s *Server) sendReply(t *Talker, reply Reply, args ...string) {
	cfg := s.Config()
	line := s.formatter.Format(cfg.ServerName, t.Nick(), reply, args...)
	s.sendRaw(t, line)
}

// sendRaw queues an already-formatted line. A full mailbox drops the
// line and bumps the drop counter; the slow consumer is not stalled
// for.
func (s *Server) sendRaw(t *Talker, line string) {
	c := t.Conn()
	if c == nil {
		return
	}
	if !c.EnqueueOutbound(line) {
		outboundDropsTotal.Inc()
		if s.Config().Debug {
			log.Printf("[%s] outbound mailbox full, dropped line", c.Hostname())
		}
	}
}

// sendServerLine queues a server-originated command line, e.g. a PING.
func (s *Server) sendServerLine(t *Talker, command string, params ...string) {
	m := &Message{Prefix: s.Config().ServerName, Command: command, Params: params}
	s.sendRaw(t, m.String())
}

// sendNames sends the member roll of a channel as NAMES replies, with
// @ and + status prefixes, followed by the end marker.
func (s *Server) sendNames(t *Talker, ch *Channel) {
	members := ch.Members()
	names := make([]string, 0, len(members))
	for _, m := range members {
		nick := m.Nick()
		if nick == "" {
			continue
		}
		flags, ok := ch.Flags(m)
		switch {
		case ok && flags.Operator:
			nick = "@" + nick
		case ok && flags.Voice:
			nick = "+" + nick
		}
		names = append(names, nick)
	}
	sort.Strings(names)

	s.sendReply(t, RplNamReply, "=", ch.Name(), strings.Join(names, " "))
	s.sendReply(t, RplEndOfNames, ch.Name(), "End of NAMES list")
}

// notifyOperators broadcasts a server notice into the monitoring
// channel. Operators see it by joining the channel.
func (s *Server) notifyOperators(text string) {
	svc := s.monitorSvc
	s.monitor.Broadcast(svc, func(origin string) string {
		return fmt.Sprintf(":%s NOTICE %s :%s", origin, monitorChannelName, text)
	})
}

// tryCompleteRegistration promotes a talker to OPERATIONAL once its
// identity is complete and any connection password matched, then sends
// the welcome burst.
func (s *Server) tryCompleteRegistration(t *Talker) {
	cfg := s.Config()

	if t.Nick() == "" || t.Username() == "" {
		return
	}
	if cfg.ConnectionPassword != "" && t.Password() != cfg.ConnectionPassword {
		s.sendReply(t, ErrPasswdMismatch, "Password incorrect")
		return
	}
	if !t.promote() {
		return
	}

	s.sendReply(t, RplWelcome, fmt.Sprintf("Welcome to the %s Network %s", cfg.ServerName, t.Hostmask()))
	s.sendReply(t, RplYourHost, fmt.Sprintf("Your host is %s, running version talkd-1.0", cfg.ServerName))
	log.Printf("[server] %s registered as %s", t.Hostname(), t.Nick())
}

// forceDisconnect removes the talker from every channel with a QUIT
// broadcast, unregisters it, and requests its connection be closed.
func (s *Server) forceDisconnect(t *Talker, reason string) {
	s.removeTalker(t, reason)
	if c := t.Conn(); c != nil {
		c.RequestClose()
	}
}

// removeTalker tears down a talker's presence: a QUIT is broadcast to
// every channel it sits on, its memberships are released, empty
// non-permanent channels are dropped, and the registry entry goes away.
// Teardown runs at most once per talker.
func (s *Server) removeTalker(t *Talker, reason string) {
	wasRegistered := t.IsRegistered()
	t.RequestClose()
	if !t.BeginTeardown() {
		return
	}

	for _, ch := range t.Channels() {
		if wasRegistered {
			ch.Broadcast(t, func(origin string) string {
				return fmt.Sprintf(":%s QUIT :%s", origin, reason)
			})
		}
		ch.Leave(t)
		t.RemoveChannel(ch)
		s.registry.DropChannelIfEmpty(ch)
	}

	s.registry.RemoveTalker(t.ID())
	t.FinishTeardown()

	if wasRegistered {
		log.Printf("[server] %s (%s) quit: %s", t.Nick(), t.Hostname(), reason)
	}
}
