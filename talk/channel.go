package talk

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/talkd/talkd/ratemeter"
)

// channelRateWindowMillis is the channel message-rate window: the
// per-channel budget is MaxChannelMessagesPer10s messages per 10
// seconds, so a channel is throttled once the predicted mean
// inter-message interval times the budget drops below 10000ms. Legacy
// servers carried the bare constant 10000 for this; the unit is
// milliseconds per window.
const channelRateWindowMillis = 10 * 1000

// anonymousOrigin replaces the visible sender identity on anonymous
// channels.
const anonymousOrigin = "anonymous!anonymous@anonymous."

// MemberFlags are the per-member channel flags.
type MemberFlags struct {
	Operator bool
	Creator  bool
	Voice    bool
}

// ChannelModes are the channel-wide mode flags.
type ChannelModes struct {
	Anonymous   bool
	InviteOnly  bool
	Moderated   bool
	NoExternal  bool
	Quiet       bool
	Private     bool
	Secret      bool
	TopicLocked bool
	Key         string
	Limit       int
}

// ModeOp tags a mode change as an addition or removal.
type ModeOp int

const (
	ModeAdd ModeOp = iota
	ModeRemove
)

// ModeFlag names the channel attribute a ModeChange targets.
type ModeFlag int

const (
	FlagOperator ModeFlag = iota
	FlagCreator
	FlagVoice
	FlagAnonymous
	FlagInviteOnly
	FlagModerated
	FlagNoExternal
	FlagQuiet
	FlagPrivate
	FlagSecret
	FlagTopicLock
	FlagKey
	FlagLimit
	FlagBan
	FlagBanExcept
	FlagInvite
)

// ModeChange is a tagged mode mutation request.
type ModeChange struct {
	Flag  ModeFlag
	Op    ModeOp
	Param string
}

// Channel is a named group entity owning a membership map and
// channel-wide mode, ban, and invite state.
type Channel struct {
	// mu doubles as the per-channel mode lock: every mode mutation is
	// applied under it so interleaved changes cannot produce an
	// inconsistent flag set.
	mu sync.RWMutex

	name  string
	topic string

	members map[*Talker]*MemberFlags
	modes   ChannelModes

	bans        map[string]struct{}
	banExcepts  map[string]struct{}
	inviteMasks map[string]struct{}

	meter     *ratemeter.Meter
	msgBudget int

	maxMembers int
	maxMasks   int

	// The monitoring channel is created once at startup and exempt
	// from deletion.
	permanent bool
}

func channelKey(name string) string { return strings.ToLower(name) }

// NewChannel creates a channel with zero initial mode flags and no
// members.
func NewChannel(name string, cfg *Config) *Channel {
	meter, _ := ratemeter.New(cfg.RateMeterWindow)
	return &Channel{
		name:        name,
		members:     make(map[*Talker]*MemberFlags),
		bans:        make(map[string]struct{}),
		banExcepts:  make(map[string]struct{}),
		inviteMasks: make(map[string]struct{}),
		meter:       meter,
		msgBudget:   cfg.MaxChannelMessagesPer10s,
		maxMembers:  cfg.MaxChannelMembers,
		maxMasks:    cfg.MaxMaskEntries,
	}
}

// Name returns the channel's display name.
func (ch *Channel) Name() string { return ch.name }

// Key returns the case-insensitive registry key.
func (ch *Channel) Key() string { return channelKey(ch.name) }

// Permanent reports whether the channel is exempt from deletion.
func (ch *Channel) Permanent() bool { return ch.permanent }

// Topic returns the current topic.
func (ch *Channel) Topic() string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.topic
}

// SetTopic replaces the topic.
func (ch *Channel) SetTopic(topic string) {
	ch.mu.Lock()
	ch.topic = topic
	ch.mu.Unlock()
}

// Modes returns a copy of the channel-wide mode flags.
func (ch *Channel) Modes() ChannelModes {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.modes
}

// Join adds the talker with no per-member flags. Operators bypass the
// key check; nobody bypasses the capacity check.
func (ch *Channel) Join(t *Talker, suppliedKey string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.modes.Key != "" && suppliedKey != ch.modes.Key && !t.Modes().Operator {
		return ErrKeyMismatch
	}

	limit := ch.maxMembers
	if ch.modes.Limit > 0 && ch.modes.Limit < limit {
		limit = ch.modes.Limit
	}
	if len(ch.members) >= limit {
		return ErrChannelFull
	}

	ch.members[t] = &MemberFlags{}
	return nil
}

// Leave removes the talker unconditionally. The caller deletes the
// channel via the Registry if membership becomes empty; the channel
// never self-deletes.
func (ch *Channel) Leave(t *Talker) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.members[t]; !ok {
		return false
	}
	delete(ch.members, t)
	return true
}

// grantFounder gives the first joiner operator and creator flags.
func (ch *Channel) grantFounder(t *Talker) {
	ch.mu.Lock()
	if flags, ok := ch.members[t]; ok {
		flags.Operator = true
		flags.Creator = true
	}
	ch.mu.Unlock()
}

// Flags returns the per-member flags for the talker.
func (ch *Channel) Flags(t *Talker) (MemberFlags, bool) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	flags, ok := ch.members[t]
	if !ok {
		return MemberFlags{}, false
	}
	return *flags, true
}

// IsMember reports channel membership.
func (ch *Channel) IsMember(t *Talker) bool {
	_, ok := ch.Flags(t)
	return ok
}

// IsOperator reports whether the talker holds the operator or creator
// flag on this channel.
func (ch *Channel) IsOperator(t *Talker) bool {
	flags, ok := ch.Flags(t)
	return ok && (flags.Operator || flags.Creator)
}

// Members returns a snapshot of the membership.
func (ch *Channel) Members() []*Talker {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	out := make([]*Talker, 0, len(ch.members))
	for t := range ch.members {
		out = append(out, t)
	}
	return out
}

// MemberCount returns the current membership size.
func (ch *Channel) MemberCount() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.members)
}

// Empty reports whether the channel is eligible for deletion.
func (ch *Channel) Empty() bool { return ch.MemberCount() == 0 }

// memberByNick resolves a nickname to a current member, case
// insensitively.
func (ch *Channel) memberByNick(nick string) (*Talker, *MemberFlags) {
	lower := strings.ToLower(nick)
	for t, flags := range ch.members {
		if strings.ToLower(t.Nick()) == lower {
			return t, flags
		}
	}
	return nil, nil
}

// UpdateMode applies a single tagged mode change under the per-channel
// mode lock. Membership-flag targets resolve through the registry:
// unknown nicknames fail ErrTargetNotFound, known non-members fail
// ErrNotMember, restricted targets fail ErrTargetRestricted.
func (ch *Channel) UpdateMode(change ModeChange, requestor *Talker, reg *Registry) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	adding := change.Op == ModeAdd

	switch change.Flag {
	case FlagOperator, FlagCreator, FlagVoice:
		if _, ok := reg.UserByNick(change.Param); !ok {
			return ErrTargetNotFound
		}
		member, flags := ch.memberByNick(change.Param)
		if member == nil {
			return ErrNotMember
		}
		if adding && member.Modes().Restricted {
			return ErrTargetRestricted
		}
		switch change.Flag {
		case FlagOperator:
			flags.Operator = adding
		case FlagCreator:
			flags.Creator = adding
		case FlagVoice:
			flags.Voice = adding
		}

	case FlagKey:
		if adding {
			if ch.modes.Key != "" {
				return ErrKeyAlreadySet
			}
			if change.Param == "" {
				return ErrMalformedMode
			}
			ch.modes.Key = change.Param
		} else {
			ch.modes.Key = ""
		}

	case FlagLimit:
		if adding {
			limit, err := strconv.Atoi(change.Param)
			if err != nil || limit <= 0 || limit > ch.maxMembers {
				return ErrMalformedMode
			}
			ch.modes.Limit = limit
		} else {
			ch.modes.Limit = 0
		}

	case FlagBan:
		return ch.updateMaskSet(ch.bans, change)
	case FlagBanExcept:
		return ch.updateMaskSet(ch.banExcepts, change)
	case FlagInvite:
		return ch.updateMaskSet(ch.inviteMasks, change)

	case FlagPrivate:
		// private and secret are mutually exclusive at add-time only.
		// Removal of other flags does not re-validate the exclusivity;
		// that asymmetry is long-standing behavior, kept as-is.
		if adding && ch.modes.Secret {
			return ErrModeConflict
		}
		ch.modes.Private = adding
	case FlagSecret:
		if adding && ch.modes.Private {
			return ErrModeConflict
		}
		ch.modes.Secret = adding

	case FlagAnonymous:
		ch.modes.Anonymous = adding
	case FlagInviteOnly:
		ch.modes.InviteOnly = adding
	case FlagModerated:
		ch.modes.Moderated = adding
	case FlagNoExternal:
		ch.modes.NoExternal = adding
	case FlagQuiet:
		ch.modes.Quiet = adding
	case FlagTopicLock:
		ch.modes.TopicLocked = adding

	default:
		return ErrMalformedMode
	}

	return nil
}

func (ch *Channel) updateMaskSet(set map[string]struct{}, change ModeChange) error {
	if change.Param == "" {
		return ErrMalformedMode
	}
	if change.Op == ModeAdd {
		if _, ok := set[change.Param]; ok {
			return nil
		}
		if len(set) >= ch.maxMasks {
			return ErrMaskListFull
		}
		set[change.Param] = struct{}{}
	} else {
		delete(set, change.Param)
	}
	return nil
}

// BanMasks returns a snapshot of the ban mask set.
func (ch *Channel) BanMasks() []string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	out := make([]string, 0, len(ch.bans))
	for mask := range ch.bans {
		out = append(out, mask)
	}
	return out
}

// IsBanned reports whether a hostmask matches the ban list without a
// matching ban exception.
func (ch *Channel) IsBanned(hostmask string) bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	for mask := range ch.banExcepts {
		if wildcardMatch(hostmask, mask) {
			return false
		}
	}
	for mask := range ch.bans {
		if wildcardMatch(hostmask, mask) {
			return true
		}
	}
	return false
}

// MatchesInviteMask reports whether a hostmask is pre-invited.
func (ch *Channel) MatchesInviteMask(hostmask string) bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	for mask := range ch.inviteMasks {
		if wildcardMatch(hostmask, mask) {
			return true
		}
	}
	return false
}

// CanReceiveBroadcast decides whether a talker may deliver a broadcast
// into the channel right now. Server operators and channel operators
// always bypass the message-rate limit.
func (ch *Channel) CanReceiveBroadcast(t *Talker, now time.Time) bool {
	flags, isMember := ch.Flags(t)
	chanOp := isMember && (flags.Operator || flags.Creator)
	serverOp := t.Modes().Operator

	if ch.throttled(now) && !chanOp && !serverOp {
		return false
	}

	modes := ch.Modes()
	if modes.Quiet && !chanOp {
		return false
	}
	if (modes.NoExternal || modes.Moderated) && !isMember {
		return false
	}
	if modes.Moderated && !flags.Voice && !chanOp {
		return false
	}
	return true
}

// throttled applies the rate policy described at channelRateWindowMillis.
func (ch *Channel) throttled(now time.Time) bool {
	if ch.meter.Count() < 2 {
		return false
	}
	predicted := ch.meter.AverageIntervalIfAppended(now.UnixMilli())
	return predicted*float64(ch.msgBudget) < channelRateWindowMillis
}

// Broadcast delivers a line to every member except the sender. On an
// anonymous channel the visible origin is replaced by a fixed
// pseudonymous identity. Delivery to each member is best-effort: one
// member's full outbound mailbox never aborts the rest. It returns the
// number of deliveries that were dropped by backpressure.
func (ch *Channel) Broadcast(sender *Talker, makeLine func(origin string) string) int {
	ch.meter.Record(time.Now().UnixMilli())

	origin := sender.Hostmask()
	if ch.Modes().Anonymous {
		origin = anonymousOrigin
	}
	line := makeLine(origin)

	dropped := 0
	for _, member := range ch.Members() {
		if member == sender {
			continue
		}
		conn := member.Conn()
		if conn == nil {
			continue
		}
		if !conn.EnqueueOutbound(line) {
			dropped++
		}
	}
	return dropped
}
