package talk

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/text/encoding/charmap"
	"gopkg.in/tomb.v2"
)

// listener owns the accept socket. Every accepted connection is
// admitted (or refused) synchronously before the next Accept.
type listener struct {
	srv  *Server
	addr string

	ln      net.Listener
	t       *tomb.Tomb
	entered atomic.Bool
}

func newListener(srv *Server, addr string) *listener {
	return &listener{srv: srv, addr: addr}
}

func (l *listener) Start(timeout time.Duration) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	l.ln = ln
	l.t = &tomb.Tomb{}
	l.entered.Store(false)
	l.t.Go(l.acceptLoop)

	deadline := time.Now().Add(timeout)
	for !l.entered.Load() {
		if time.Now().After(deadline) {
			l.ln.Close()
			l.t.Kill(nil)
			l.t.Wait()
			return fmt.Errorf("listener failed to start within %s", timeout)
		}
		time.Sleep(time.Millisecond)
	}
	log.Printf("[listener] accepting on %s", ln.Addr())
	return nil
}

func (l *listener) Stop() error {
	if l.t == nil {
		return nil
	}
	l.t.Kill(nil)
	if l.ln != nil {
		l.ln.Close()
	}
	err := l.t.Wait()
	log.Printf("[listener] stopped")
	return err
}

func (l *listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *listener) acceptLoop() error {
	l.entered.Store(true)
	for {
		sock, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.t.Dying():
				return nil
			default:
			}
			log.Printf("[listener] accept error: %v", err)
			continue
		}
		l.srv.admit(sock)
	}
}

// admit registers a freshly accepted socket as a connection with an
// attached unregistered user talker. A registry refusal (capacity)
// sends a terse refusal line and closes the socket.
func (s *Server) admit(sock net.Conn) {
	cfg := s.Config()

	c := NewConnection(sock, cfg)
	if err := s.registry.AddConnection(c); err != nil {
		log.Printf("[listener] refused %s: %v", sock.RemoteAddr(), err)
		connectionsRejected.Inc()
		fmt.Fprintf(sock, "ERROR :Server full\r\n")
		sock.Close()
		return
	}

	if enc := lookupEncoding(cfg.TextEncoding); enc != nil {
		c.SetEncoding(enc)
	}
	s.resolveHostname(c, cfg)

	t := NewTalker(KindUser, c, cfg)
	if err := s.registry.AddTalker(t); err != nil {
		log.Printf("[listener] refused %s: %v", sock.RemoteAddr(), err)
		connectionsRejected.Inc()
		s.registry.RemoveConnection(c.ID())
		fmt.Fprintf(sock, "ERROR :Server full\r\n")
		sock.Close()
		return
	}
	c.bindTalker(t)
	c.MarkOperational()

	connectionsAccepted.Inc()
	log.Printf("[%s] new connection %s", c.Hostname(), c.ID())
}

// lookupEncoding resolves a configured encoding name. Unknown names
// fall back to UTF-8 passthrough.
func lookupEncoding(name string) *charmap.Charmap {
	switch strings.ToLower(name) {
	case "latin1", "iso-8859-1":
		return charmap.ISO8859_1
	case "koi8-r":
		return charmap.KOI8R
	case "cp1251", "windows-1251":
		return charmap.Windows1251
	}
	return nil
}

// resolveHostname attempts a reverse lookup of the peer address,
// bounded by the resolve timeout. The numeric address stays in place
// when the lookup fails or the name is too long.
func (s *Server) resolveHostname(c *Connection, cfg *Config) {
	host := c.Hostname()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ResolveTimeout)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(ctx, host)
	if err != nil || len(names) == 0 {
		return
	}
	name := strings.TrimSuffix(names[0], ".")
	if name == "" || len(name) > cfg.MaxHostnameLength {
		return
	}
	c.SetHostname(name)
}
