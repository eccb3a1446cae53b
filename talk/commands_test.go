package talk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestRegistrationFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	tk, c := testTalker(t, srv)

	srv.engine.Dispatch("USER al 0 * :Alice A.", tk)
	assert.False(t, tk.IsRegistered(), "USER alone is not enough")

	srv.engine.Dispatch("NICK alice", tk)
	require.True(t, tk.IsRegistered())

	lines := drainReplies(c)
	welcome := requireReplyCode(t, lines, "001")
	assert.Contains(t, welcome, "alice")
	requireReplyCode(t, lines, "002")
}

func TestRegistrationPasswordGate(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConnectionPassword = "letmein"
	srv := newTestServer(t, cfg)
	tk, c := testTalker(t, srv)

	srv.engine.Dispatch("NICK alice", tk)
	srv.engine.Dispatch("USER al 0 * :Alice", tk)
	assert.False(t, tk.IsRegistered())
	requireReplyCode(t, drainReplies(c), "464")

	tk2, c2 := testTalker(t, srv)
	srv.engine.Dispatch("PASS letmein", tk2)
	srv.engine.Dispatch("NICK bob", tk2)
	srv.engine.Dispatch("USER b 0 * :Bob", tk2)
	assert.True(t, tk2.IsRegistered())
	requireReplyCode(t, drainReplies(c2), "001")
}

func TestNickErrors(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, ca := testTalker(t, srv)
	registerTalker(t, srv, alice, ca, "alice")

	bob, cb := testTalker(t, srv)
	srv.engine.Dispatch("NICK alice", bob)
	requireReplyCode(t, drainReplies(cb), "433")

	srv.engine.Dispatch("NICK 9starts", bob)
	requireReplyCode(t, drainReplies(cb), "432")

	srv.engine.Dispatch("NICK", bob)
	requireReplyCode(t, drainReplies(cb), "431")
}

func TestNickChangeBroadcast(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, ca := testTalker(t, srv)
	registerTalker(t, srv, alice, ca, "alice")
	bob, cb := testTalker(t, srv)
	registerTalker(t, srv, bob, cb, "bob")

	srv.engine.Dispatch("JOIN #room", alice)
	srv.engine.Dispatch("JOIN #room", bob)
	drainReplies(ca)
	drainReplies(cb)

	srv.engine.Dispatch("NICK alice2", alice)

	own := drainReplies(ca)
	require.NotEmpty(t, own)
	assert.Contains(t, own[0], ":alice NICK alice2")
	peer := drainReplies(cb)
	require.NotEmpty(t, peer)
	assert.Contains(t, peer[0], "NICK alice2")
}

func TestUnregisteredGate(t *testing.T) {
	srv := newTestServer(t, nil)
	tk, c := testTalker(t, srv)

	srv.engine.Dispatch("JOIN #room", tk)
	requireReplyCode(t, drainReplies(c), "451")

	// PING works before registration.
	srv.engine.Dispatch("PING token", tk)
	lines := drainReplies(c)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "PONG token")
}

func TestUnknownAndNumericCommands(t *testing.T) {
	srv := newTestServer(t, nil)
	tk, c := testTalker(t, srv)
	registerTalker(t, srv, tk, c, "alice")

	srv.engine.Dispatch("FROBNICATE x", tk)
	requireReplyCode(t, drainReplies(c), "421")

	srv.engine.Dispatch("005 something", tk)
	assert.Empty(t, drainReplies(c), "numeric lines are accepted but not interpreted")
}

func TestBadPrefixDisconnects(t *testing.T) {
	srv := newTestServer(t, nil)
	tk, c := testTalker(t, srv)
	registerTalker(t, srv, tk, c, "alice")

	srv.engine.Dispatch(":mallory PRIVMSG alice :spoofed", tk)
	assert.Equal(t, ConnClose, c.State(), "a spoofed prefix terminates the connection")
}

func TestLineTooLong(t *testing.T) {
	srv := newTestServer(t, nil)
	tk, c := testTalker(t, srv)
	registerTalker(t, srv, tk, c, "alice")

	long := "PRIVMSG #x :" + strings.Repeat("a", srv.Config().MaxLineLength)
	srv.engine.Dispatch(long, tk)
	requireReplyCode(t, drainReplies(c), "400")
}

func TestJoinAndMessage(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, ca := testTalker(t, srv)
	registerTalker(t, srv, alice, ca, "alice")
	bob, cb := testTalker(t, srv)
	registerTalker(t, srv, bob, cb, "bob")

	srv.engine.Dispatch("JOIN #room", alice)
	lines := drainReplies(ca)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "JOIN #room")
	requireReplyCode(t, lines, "331")
	requireReplyCode(t, lines, "353")
	requireReplyCode(t, lines, "366")

	ch, ok := srv.Registry().Channel("#room")
	require.True(t, ok)
	assert.True(t, ch.IsOperator(alice), "creator becomes channel operator")

	srv.engine.Dispatch("JOIN #room", bob)
	drainReplies(cb)
	joined := drainReplies(ca)
	require.NotEmpty(t, joined)
	assert.Contains(t, joined[0], "bob")
	assert.Contains(t, joined[0], "JOIN #room")

	srv.engine.Dispatch("PRIVMSG #room :hello bob", alice)
	msgs := drainReplies(cb)
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[0], "PRIVMSG #room :hello bob")
	assert.Empty(t, drainReplies(ca), "sender never hears their own broadcast")
}

func TestDirectMessageAndAway(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, ca := testTalker(t, srv)
	registerTalker(t, srv, alice, ca, "alice")
	bob, cb := testTalker(t, srv)
	registerTalker(t, srv, bob, cb, "bob")

	srv.engine.Dispatch("AWAY :in a meeting", bob)
	requireReplyCode(t, drainReplies(cb), "306")

	srv.engine.Dispatch("PRIVMSG bob :you there?", alice)
	got := drainReplies(cb)
	require.NotEmpty(t, got)
	assert.Contains(t, got[0], "PRIVMSG bob :you there?")

	away := requireReplyCode(t, drainReplies(ca), "301")
	assert.Contains(t, away, "in a meeting")

	srv.engine.Dispatch("PRIVMSG ghost :anyone?", alice)
	requireReplyCode(t, drainReplies(ca), "401")

	// NOTICE generates no error replies at all.
	srv.engine.Dispatch("NOTICE ghost :anyone?", alice)
	assert.Empty(t, drainReplies(ca))
}

func TestPartAndChannelCleanup(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, ca := testTalker(t, srv)
	registerTalker(t, srv, alice, ca, "alice")

	srv.engine.Dispatch("JOIN #temp", alice)
	srv.engine.Dispatch("TOPIC #temp :short lived", alice)
	drainReplies(ca)
	srv.engine.Dispatch("PART #temp :bye", alice)
	lines := drainReplies(ca)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "PART #temp")

	_, ok := srv.Registry().Channel("#temp")
	assert.False(t, ok, "an emptied channel is dropped")

	srv.engine.Dispatch("JOIN #temp", alice)
	drainReplies(ca)
	fresh, ok := srv.Registry().Channel("#temp")
	require.True(t, ok)
	assert.Empty(t, fresh.Topic(), "a recreated channel keeps no prior topic")
}

func TestTopicLock(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, ca := testTalker(t, srv)
	registerTalker(t, srv, alice, ca, "alice")
	bob, cb := testTalker(t, srv)
	registerTalker(t, srv, bob, cb, "bob")

	srv.engine.Dispatch("JOIN #room", alice)
	srv.engine.Dispatch("JOIN #room", bob)
	srv.engine.Dispatch("MODE #room +t", alice)
	drainReplies(ca)
	drainReplies(cb)

	srv.engine.Dispatch("TOPIC #room :bob was here", bob)
	requireReplyCode(t, drainReplies(cb), "482")

	srv.engine.Dispatch("TOPIC #room :official topic", alice)
	drainReplies(ca)
	srv.engine.Dispatch("TOPIC #room", bob)
	topic := requireReplyCode(t, drainReplies(cb), "332")
	assert.Contains(t, topic, "official topic")
}

func TestListHidesSecretChannels(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, ca := testTalker(t, srv)
	registerTalker(t, srv, alice, ca, "alice")
	bob, cb := testTalker(t, srv)
	registerTalker(t, srv, bob, cb, "bob")

	srv.engine.Dispatch("JOIN #hidden", alice)
	srv.engine.Dispatch("MODE #hidden +s", alice)
	drainReplies(ca)

	srv.engine.Dispatch("LIST", bob)
	for _, line := range drainReplies(cb) {
		assert.NotContains(t, line, "#hidden")
	}

	srv.engine.Dispatch("LIST", alice)
	found := false
	for _, line := range drainReplies(ca) {
		if strings.Contains(line, "#hidden") {
			found = true
		}
	}
	assert.True(t, found, "members still see their secret channel")
}

func TestInviteFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, ca := testTalker(t, srv)
	registerTalker(t, srv, alice, ca, "alice")
	bob, cb := testTalker(t, srv)
	registerTalker(t, srv, bob, cb, "bob")
	carol, cc := testTalker(t, srv)
	registerTalker(t, srv, carol, cc, "carol")

	srv.engine.Dispatch("JOIN #club", alice)
	srv.engine.Dispatch("MODE #club +i", alice)
	drainReplies(ca)

	// Bob cannot join uninvited and cannot invite from outside.
	srv.engine.Dispatch("JOIN #club", bob)
	requireReplyCode(t, drainReplies(cb), "473")
	srv.engine.Dispatch("INVITE carol #club", bob)
	requireReplyCode(t, drainReplies(cb), "442")

	// The invite adds the target directly.
	srv.engine.Dispatch("INVITE bob #club", alice)
	fromAlice := drainReplies(ca)
	requireReplyCode(t, fromAlice, "341")

	bobLines := drainReplies(cb)
	require.NotEmpty(t, bobLines)
	assert.Contains(t, bobLines[0], "JOIN #club")
	requireReplyCode(t, bobLines, "341")
	requireReplyCode(t, bobLines, "353")

	ch, ok := srv.Registry().Channel("#club")
	require.True(t, ok)
	assert.True(t, ch.IsMember(bob))

	// Inviting an existing member fails.
	srv.engine.Dispatch("INVITE bob #club", alice)
	requireReplyCode(t, drainReplies(ca), "443")

	// A non-operator member cannot invite into an invite-only channel.
	srv.engine.Dispatch("INVITE carol #club", bob)
	requireReplyCode(t, drainReplies(cb), "482")

	srv.engine.Dispatch("INVITE ghost #club", alice)
	requireReplyCode(t, drainReplies(ca), "401")
}

func TestModeBanListing(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, ca := testTalker(t, srv)
	registerTalker(t, srv, alice, ca, "alice")

	srv.engine.Dispatch("JOIN #room", alice)
	srv.engine.Dispatch("MODE #room +b *!*@evil.net", alice)
	drainReplies(ca)

	srv.engine.Dispatch("MODE #room +b", alice)
	lines := drainReplies(ca)
	banLine := requireReplyCode(t, lines, "367")
	assert.Contains(t, banLine, "*!*@evil.net")
	requireReplyCode(t, lines, "368")
}

func TestOperAndKill(t *testing.T) {
	cfg := testConfig(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("sekret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.OperatorCredentials = []OperatorCredential{{Username: "root", PasswordHash: string(hash)}}
	srv := newTestServer(t, cfg)

	alice, ca := testTalker(t, srv)
	registerTalker(t, srv, alice, ca, "alice")
	bob, cb := testTalker(t, srv)
	registerTalker(t, srv, bob, cb, "bob")

	srv.engine.Dispatch("KILL bob :cleanup", alice)
	requireReplyCode(t, drainReplies(ca), "481")

	srv.engine.Dispatch("OPER root wrong", alice)
	requireReplyCode(t, drainReplies(ca), "464")
	assert.False(t, alice.Modes().Operator)

	srv.engine.Dispatch("OPER root sekret", alice)
	requireReplyCode(t, drainReplies(ca), "381")
	require.True(t, alice.Modes().Operator)

	srv.engine.Dispatch("KILL bob :cleanup", alice)
	killed := drainReplies(cb)
	require.NotEmpty(t, killed)
	assert.Contains(t, killed[0], "KILL bob")
	assert.Equal(t, ConnClose, cb.State())
	_, ok := srv.Registry().UserByNick("bob")
	assert.False(t, ok)
}

func TestOverloadShedding(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, ca := testTalker(t, srv)
	registerTalker(t, srv, alice, ca, "alice")

	srv.overloaded.Store(true)

	srv.engine.Dispatch("WHOIS alice", alice)
	busy := requireReplyCode(t, drainReplies(ca), "424")
	assert.Contains(t, busy, "busy")

	// Essential commands still run under overload.
	srv.engine.Dispatch("PING tok", alice)
	lines := drainReplies(ca)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "PONG tok")

	// Operators bypass admission control entirely.
	alice.SetOperator(true)
	srv.engine.Dispatch("WHOIS alice", alice)
	requireReplyCode(t, drainReplies(ca), "311")
}

func TestWhois(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, ca := testTalker(t, srv)
	registerTalker(t, srv, alice, ca, "alice")
	bob, cb := testTalker(t, srv)
	registerTalker(t, srv, bob, cb, "bob")

	srv.engine.Dispatch("JOIN #room", bob)
	drainReplies(cb)

	srv.engine.Dispatch("WHOIS bob", alice)
	lines := drainReplies(ca)
	requireReplyCode(t, lines, "311")
	chans := requireReplyCode(t, lines, "319")
	assert.Contains(t, chans, "@#room")
	requireReplyCode(t, lines, "312")
	requireReplyCode(t, lines, "318")
}

func TestCommandMeters(t *testing.T) {
	srv := newTestServer(t, nil)
	tk, c := testTalker(t, srv)
	registerTalker(t, srv, tk, c, "alice")

	_, ok := srv.engine.CommandMeter("TIME")
	assert.False(t, ok, "no meter before the first dispatch")

	srv.engine.Dispatch("TIME", tk)
	m, ok := srv.engine.CommandMeter("time")
	require.True(t, ok, "lookup is case insensitive")
	assert.Equal(t, 1, m.Count())
}

func TestTranscriptOffersWithoutBlocking(t *testing.T) {
	cfg := testConfig(t)
	cfg.TranscriptBuffer = 2
	srv := newTestServer(t, cfg)
	alice, ca := testTalker(t, srv)
	registerTalker(t, srv, alice, ca, "alice")

	// Registration already consumed slots; drain so capacity is known.
	for len(srv.Transcript().Lines()) > 0 {
		<-srv.Transcript().Lines()
	}

	srv.engine.Dispatch("TIME", alice)
	srv.engine.Dispatch("TIME", alice)
	srv.engine.Dispatch("TIME", alice)
	drainReplies(ca)

	assert.Len(t, srv.Transcript().Lines(), 2, "excess lines are dropped")
	line := <-srv.Transcript().Lines()
	assert.Contains(t, line, "alice TIME")
}

func TestTranscriptDisabled(t *testing.T) {
	srv := newTestServer(t, nil)
	assert.Nil(t, srv.Transcript())
	assert.False(t, srv.Transcript().Offer("x"), "offer to a disabled transcript is a no-op")
}

func TestQuitRemovesUser(t *testing.T) {
	srv := newTestServer(t, nil)
	alice, ca := testTalker(t, srv)
	registerTalker(t, srv, alice, ca, "alice")
	bob, cb := testTalker(t, srv)
	registerTalker(t, srv, bob, cb, "bob")

	srv.engine.Dispatch("JOIN #room", alice)
	srv.engine.Dispatch("JOIN #room", bob)
	drainReplies(ca)
	drainReplies(cb)

	srv.engine.Dispatch("QUIT :gone", alice)
	assert.Equal(t, ConnClose, ca.State())

	quit := drainReplies(cb)
	require.NotEmpty(t, quit)
	assert.Contains(t, quit[len(quit)-1], "QUIT :gone")

	_, ok := srv.Registry().UserByNick("alice")
	assert.False(t, ok)
	_, ok = srv.Registry().Channel("#room")
	assert.True(t, ok, "bob still holds the channel open")
}
