package talk

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig()
	require.NoError(t, err)
	cfg.BindAddr = "127.0.0.1:0"
	cfg.AdminBindAddr = ""
	cfg.MinReadInterval = 0
	cfg.PollInterval = time.Millisecond
	cfg.HealthInterval = 5 * time.Millisecond
	cfg.ResolveTimeout = 10 * time.Millisecond
	return cfg
}

// newTestServer builds a wired but not started server. Units drive the
// engine and pipeline ticks directly.
func newTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	srv, err := newServer(cfg)
	require.NoError(t, err)
	return srv
}

// testTalker is a registered-capable user talker whose connection is
// the server side of a net.Pipe. Replies land in the outbound mailbox
// and are inspected with drainReplies.
func testTalker(t *testing.T, srv *Server) (*Talker, *Connection) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	c := NewConnection(server, srv.Config())
	require.NoError(t, srv.Registry().AddConnection(c))
	tk := NewTalker(KindUser, c, srv.Config())
	require.NoError(t, srv.Registry().AddTalker(tk))
	c.bindTalker(tk)
	c.MarkOperational()
	return tk, c
}

// registerTalker walks a test talker through NICK/USER to OPERATIONAL
// and discards the welcome burst.
func registerTalker(t *testing.T, srv *Server, tk *Talker, c *Connection, nick string) {
	t.Helper()
	srv.engine.Dispatch("NICK "+nick, tk)
	srv.engine.Dispatch("USER "+nick+" 0 * :"+nick, tk)
	require.True(t, tk.IsRegistered(), "talker should be registered after NICK+USER")
	drainReplies(c)
}

func drainReplies(c *Connection) []string {
	var out []string
	for {
		line, ok := c.DequeueOutbound()
		if !ok {
			return out
		}
		out = append(out, line)
	}
}

func requireReplyCode(t *testing.T, lines []string, code string) string {
	t.Helper()
	for _, line := range lines {
		if strings.Contains(line, " "+code+" ") {
			return line
		}
	}
	t.Fatalf("no reply with code %s in %v", code, lines)
	return ""
}
