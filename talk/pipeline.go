package talk

import (
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"
)

// stage is one long-lived pipeline worker running a cooperative polling
// loop. Stopping is non-preemptive: in-flight work for the current pass
// completes before the stop request is observed at the next poll
// boundary.
type stage struct {
	name     string
	interval func() time.Duration
	tick     func()

	t       *tomb.Tomb
	entered atomic.Bool
}

func newStage(name string, interval func() time.Duration, tick func()) *stage {
	return &stage{name: name, interval: interval, tick: tick}
}

// Start launches the worker and verifies it actually progressed past
// its initial state within the timeout.
func (s *stage) Start(timeout time.Duration) error {
	s.t = &tomb.Tomb{}
	s.entered.Store(false)
	s.t.Go(s.loop)

	deadline := time.Now().Add(timeout)
	for !s.entered.Load() {
		if time.Now().After(deadline) {
			s.t.Kill(nil)
			s.t.Wait()
			return fmt.Errorf("stage %s failed to start within %s", s.name, timeout)
		}
		time.Sleep(time.Millisecond)
	}
	log.Printf("[%s] stage started", s.name)
	return nil
}

func (s *stage) loop() error {
	s.entered.Store(true)
	for {
		select {
		case <-s.t.Dying():
			return nil
		case <-time.After(s.interval()):
			s.tick()
		}
	}
}

// Stop requests a cooperative shutdown and waits for the loop to exit.
func (s *stage) Stop() error {
	if s.t == nil {
		return nil
	}
	s.t.Kill(nil)
	err := s.t.Wait()
	log.Printf("[%s] stage stopped", s.name)
	return err
}

// readerTick polls each live connection for a line. A connection is
// only read when its inbound slot is free and its read-rate meter says
// the minimum inter-read interval has elapsed.
func (s *Server) readerTick() {
	cfg := s.Config()
	now := time.Now()

	for _, c := range s.registry.Connections() {
		if c.State() != ConnOperational {
			continue
		}
		if !c.InboundEmpty() {
			continue
		}
		if !c.ReadAllowed(cfg.MinReadInterval, now) {
			continue
		}

		line, ok, err := c.ReadLine(cfg.ReadDeadline)
		if err != nil {
			if err != io.EOF {
				log.Printf("[%s] read error: %v", c.Hostname(), err)
			}
			c.MarkBroken()
			continue
		}
		if !ok {
			continue
		}

		c.OfferInbound(line)
		c.RecordRead(now)
		linesReadTotal.Inc()
	}
}

// dispatchTick drains inbound mailboxes and hands each line with its
// owning talker to the command engine. Per-connection arrival order is
// preserved because the slot holds at most one line.
func (s *Server) dispatchTick() {
	for _, c := range s.registry.Connections() {
		line, ok := c.TakeInbound()
		if !ok {
			continue
		}
		t := c.Talker()
		if t == nil {
			continue
		}
		s.engine.Dispatch(line, t)
	}
}

// writerTick pops one queued outbound line per connection per pass and
// writes it to the socket.
func (s *Server) writerTick() {
	now := time.Now()

	for _, c := range s.registry.Connections() {
		switch c.State() {
		case ConnOperational, ConnClose:
			// CLOSE still drains so farewell lines reach the peer.
		default:
			continue
		}

		line, ok := c.DequeueOutbound()
		if !ok {
			continue
		}
		if err := c.WriteLine(line); err != nil {
			log.Printf("[%s] write error: %v", c.Hostname(), err)
			c.MarkBroken()
			continue
		}
		c.RecordWrite(now)
		linesWrittenTotal.Inc()
	}
}

// connHealthTick drives BROKEN and CLOSE connections through teardown
// and maintains the overload flag.
func (s *Server) connHealthTick() {
	cfg := s.Config()

	count := s.registry.ConnectionCount()
	over := count >= cfg.overloadThreshold()
	if over != s.overloaded.Swap(over) {
		log.Printf("[health] overload flag now %v (%d connections)", over, count)
	}
	setOverloadGauge(over)
	connectionsOpen.Set(float64(count))

	for _, c := range s.registry.Connections() {
		if !c.NeedsTeardown() || !c.BeginTeardown() {
			continue
		}
		if t := c.Talker(); t != nil {
			s.removeTalker(t, "Connection closed")
		}
		if err := c.CloseSocket(); err != nil {
			log.Printf("[%s] close error: %v", c.Hostname(), err)
		}
		c.FinishTeardown()
		s.registry.RemoveConnection(c.ID())
		log.Printf("[%s] connection %s torn down", c.Hostname(), c.ID())
	}
}

// talkerHealthTick pings quiet talkers and disconnects the ones whose
// ping went unanswered past the timeout.
func (s *Server) talkerHealthTick() {
	cfg := s.Config()
	now := time.Now()

	for _, t := range s.registry.Talkers() {
		if t.State() != TalkerOperational || t.Kind() != KindUser {
			continue
		}
		c := t.Conn()
		if c == nil {
			continue
		}

		lastPing, lastPong, pending := c.PingStatus()
		if pending && now.Sub(lastPing) > cfg.PongTimeout {
			log.Printf("[%s] ping timeout for %s", c.Hostname(), t.Nick())
			s.forceDisconnect(t, "Ping timeout")
			continue
		}
		if !pending && now.Sub(lastPong) > cfg.PingSilence {
			s.sendServerLine(t, "PING", cfg.ServerName)
			c.NotePingSent(now)
		}
	}
}
