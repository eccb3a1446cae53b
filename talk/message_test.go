package talk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMessage(t *testing.T) {
	m := ParseMessage("PRIVMSG #chan :hello there")
	if assert.NotNil(t, m) {
		assert.Equal(t, "PRIVMSG", m.Command)
		assert.Equal(t, []string{"#chan", "hello there"}, m.Params)
		assert.True(t, m.HasTrailing)
	}

	m = ParseMessage(":alice!al@host NICK bob")
	if assert.NotNil(t, m) {
		assert.Equal(t, "alice!al@host", m.Prefix)
		assert.Equal(t, "NICK", m.Command)
		assert.Equal(t, []string{"bob"}, m.Params)
	}

	m = ParseMessage("privmsg bob hi")
	if assert.NotNil(t, m) {
		assert.Equal(t, "PRIVMSG", m.Command, "command should be upcased")
		assert.False(t, m.HasTrailing)
	}

	assert.Nil(t, ParseMessage(""))
	assert.Nil(t, ParseMessage(":prefixonly"))
}

func TestMessageIsNumeric(t *testing.T) {
	assert.True(t, ParseMessage("001 welcome").IsNumeric())
	assert.True(t, ParseMessage(":peer 433 nick :in use").IsNumeric())
	assert.False(t, ParseMessage("PING x").IsNumeric())
	assert.False(t, ParseMessage("0x1 y").IsNumeric())
}

func TestMessageString(t *testing.T) {
	m := &Message{Prefix: "srv", Command: "PONG", Params: []string{"token"}}
	assert.Equal(t, ":srv PONG token", m.String())

	m = &Message{Command: "PRIVMSG", Params: []string{"#c", "two words"}}
	assert.Equal(t, "PRIVMSG #c :two words", m.String())

	m = &Message{Command: "AWAY", Params: []string{""}}
	assert.Equal(t, "AWAY :", m.String())
}

func TestParseHostmask(t *testing.T) {
	nick, user, host := ParseHostmask("alice!al@example.com")
	assert.Equal(t, "alice", nick)
	assert.Equal(t, "al", user)
	assert.Equal(t, "example.com", host)

	nick, user, host = ParseHostmask("alice")
	assert.Equal(t, "alice", nick)
	assert.Empty(t, user)
	assert.Empty(t, host)
}

func TestWildcardMatch(t *testing.T) {
	assert.True(t, wildcardMatch("alice!al@example.com", "*"))
	assert.True(t, wildcardMatch("alice!al@example.com", "*!*@example.com"))
	assert.True(t, wildcardMatch("alice!al@example.com", "alice!*"))
	assert.False(t, wildcardMatch("bob!b@other.net", "*!*@example.com"))
	assert.False(t, wildcardMatch("alice", "bob"))
}

func TestNicknameValidation(t *testing.T) {
	assert.True(t, isValidNickname("alice", 30))
	assert.True(t, isValidNickname("al[ice]_", 30))
	assert.False(t, isValidNickname("", 30))
	assert.False(t, isValidNickname("1alice", 30), "leading digit")
	assert.False(t, isValidNickname("al ice", 30))
	assert.False(t, isValidNickname("toolongnick", 5))
}

func TestChannelNameValidation(t *testing.T) {
	assert.True(t, isValidChannelName("#general"))
	assert.True(t, isValidChannelName("&local"))
	assert.False(t, isValidChannelName("general"))
	assert.False(t, isValidChannelName("#"))
	assert.False(t, isValidChannelName("#has space"))
	assert.False(t, isValidChannelName("#has,comma"))
}
