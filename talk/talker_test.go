package talk

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTalkerRegistrationSequence(t *testing.T) {
	cfg := testConfig(t)
	u := NewTalker(KindUser, nil, cfg)

	assert.Equal(t, TalkerNew, u.State())
	assert.False(t, u.IsRegistered())
	assert.False(t, u.promote(), "no identity yet")

	u.setNick("alice")
	assert.False(t, u.promote(), "a user needs a username too")

	u.SetIdentity("al", "Alice A.")
	assert.True(t, u.promote())
	assert.True(t, u.IsRegistered())
	assert.Equal(t, TalkerOperational, u.State())
	assert.False(t, u.promote(), "promotion happens exactly once")
}

func TestServicePromotionNeedsOnlyNick(t *testing.T) {
	cfg := testConfig(t)
	svc := NewTalker(KindService, nil, cfg)
	svc.setNick("statbot")
	assert.True(t, svc.promote())
	assert.True(t, svc.IsRegistered())
}

func TestTalkerTeardownStates(t *testing.T) {
	cfg := testConfig(t)
	u := NewTalker(KindUser, nil, cfg)
	u.setNick("alice")
	u.SetIdentity("al", "Alice")
	require.True(t, u.promote())

	u.RequestClose()
	assert.Equal(t, TalkerClose, u.State())
	assert.False(t, u.IsRegistered(), "only OPERATIONAL counts as registered")

	assert.True(t, u.BeginTeardown())
	assert.False(t, u.BeginTeardown())
	u.FinishTeardown()
	assert.Equal(t, TalkerClosed, u.State())
}

func TestTalkerChannelLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxChannelsPerUser = 2
	u := NewTalker(KindUser, nil, cfg)

	a := NewChannel("#a", cfg)
	b := NewChannel("#b", cfg)
	c := NewChannel("#c", cfg)

	require.NoError(t, u.AddChannel(a))
	require.NoError(t, u.AddChannel(b))
	assert.Equal(t, ErrChannelLimit, u.AddChannel(c))

	u.RemoveChannel(a)
	assert.NoError(t, u.AddChannel(c))
	assert.True(t, u.OnChannel("#C"), "membership lookup is case insensitive")
	assert.Len(t, u.Channels(), 2)
}

func TestHostmask(t *testing.T) {
	cfg := testConfig(t)
	u := NewTalker(KindUser, nil, cfg)
	u.setNick("alice")
	u.SetIdentity("al", "Alice")

	mask := u.Hostmask()
	assert.Equal(t, fmt.Sprintf("alice!al@%s", u.Hostname()), mask)
}

func TestAwayState(t *testing.T) {
	cfg := testConfig(t)
	u := NewTalker(KindUser, nil, cfg)

	assert.Empty(t, u.AwayMessage())
	u.SetAway("gone fishing")
	assert.Equal(t, "gone fishing", u.AwayMessage())
	assert.True(t, u.Modes().Away)

	u.SetAway("")
	assert.Empty(t, u.AwayMessage())
	assert.False(t, u.Modes().Away)
}
