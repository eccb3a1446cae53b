package talk

import (
	"fmt"
	"log"
	"strings"
	"time"
)

// registerAll installs the static command table. Each entry follows the
// two-phase contract: validate inspects parameters and returns the
// executable; business outcomes surface as replies during execution.
func (e *Engine) registerAll() {
	reg := func(name string, registeredOnly, essential bool, minParams int, exec func(*commandContext)) {
		e.register(&commandSpec{
			name:           name,
			registeredOnly: registeredOnly,
			essential:      essential,
			validate: func(ctx *commandContext) (func(), error) {
				if len(ctx.params) < minParams {
					return nil, ErrParams
				}
				return func() { exec(ctx) }, nil
			},
		})
	}

	reg("PASS", false, false, 1, (*commandContext).passExec)
	reg("NICK", false, false, 0, (*commandContext).nickExec)
	reg("USER", false, false, 4, (*commandContext).userExec)
	reg("PING", false, true, 1, (*commandContext).pingExec)
	reg("PONG", false, true, 0, (*commandContext).pongExec)
	reg("QUIT", false, false, 0, (*commandContext).quitExec)
	reg("JOIN", true, false, 1, (*commandContext).joinExec)
	reg("PART", true, false, 1, (*commandContext).partExec)
	reg("PRIVMSG", true, false, 2, (*commandContext).privmsgExec)
	reg("NOTICE", true, false, 0, (*commandContext).noticeExec)
	reg("TOPIC", true, false, 1, (*commandContext).topicExec)
	reg("NAMES", true, false, 0, (*commandContext).namesExec)
	reg("LIST", true, false, 0, (*commandContext).listExec)
	reg("MODE", true, false, 1, (*commandContext).modeExec)
	reg("INVITE", true, false, 2, (*commandContext).inviteExec)
	reg("AWAY", true, false, 0, (*commandContext).awayExec)
	reg("OPER", false, true, 2, (*commandContext).operExec)
	reg("KILL", true, false, 1, (*commandContext).killExec)
	reg("TIME", false, true, 0, (*commandContext).timeExec)
	reg("ADMIN", false, true, 0, (*commandContext).adminExec)
	reg("WHOIS", true, false, 1, (*commandContext).whoisExec)
}

func (ctx *commandContext) reply(r Reply, args ...string) {
	ctx.srv.sendReply(ctx.from, r, args...)
}

// handlePass stores the connection password for the registration gate.
func (ctx *commandContext) passExec() {
	if ctx.from.IsRegistered() {
		ctx.reply(ErrAlreadyRegistered, "You may not reregister")
		return
	}
	ctx.from.SetPassword(ctx.params[0])
}

func (ctx *commandContext) nickExec() {
	if len(ctx.params) < 1 {
		ctx.reply(ErrNoNicknameGiven, "No nickname given")
		return
	}
	newNick := ctx.params[0]
	cfg := ctx.srv.Config()

	if !isValidNickname(newNick, cfg.MaxNicknameLength) {
		ctx.reply(ErrErroneusNickname, newNick, "Erroneous nickname")
		return
	}

	oldNick := ctx.from.Nick()
	switch err := ctx.reg.BindNick(ctx.from, newNick); err {
	case nil:
	case ErrNickInUse:
		ctx.reply(ErrNicknameInUse, newNick, "Nickname is already in use")
		return
	case ErrCapacity:
		log.Printf("[%s] nickname registry at capacity, refusing %q", ctx.from.Hostname(), newNick)
		ctx.reply(ErrFileError, "NICK", "Server is full")
		return
	default:
		ctx.reply(ErrUnknownError, "NICK", err.Error())
		return
	}

	if ctx.from.IsRegistered() && oldNick != "" {
		// Announce the change to the user and every shared channel.
		line := fmt.Sprintf(":%s NICK %s", oldNick, newNick)
		ctx.srv.sendRaw(ctx.from, line)
		for _, ch := range ctx.from.Channels() {
			ch.Broadcast(ctx.from, func(string) string { return line })
		}
		return
	}

	ctx.from.MarkRegistering()
	ctx.srv.tryCompleteRegistration(ctx.from)
}

func (ctx *commandContext) userExec() {
	if ctx.from.IsRegistered() {
		ctx.reply(ErrAlreadyRegistered, "You may not reregister")
		return
	}
	ctx.from.SetIdentity(ctx.params[0], ctx.params[3])
	ctx.from.MarkRegistering()
	ctx.srv.tryCompleteRegistration(ctx.from)
}

func (ctx *commandContext) pingExec() {
	ctx.srv.sendServerLine(ctx.from, "PONG", ctx.params[0])
}

func (ctx *commandContext) pongExec() {
	if conn := ctx.from.Conn(); conn != nil {
		conn.NotePongReceived(time.Now())
	}
}

func (ctx *commandContext) quitExec() {
	reason := "Quit"
	if len(ctx.params) > 0 {
		reason = ctx.params[0]
	}
	ctx.srv.forceDisconnect(ctx.from, reason)
}

func (ctx *commandContext) joinExec() {
	cfg := ctx.srv.Config()
	names := strings.Split(ctx.params[0], ",")
	var keys []string
	if len(ctx.params) > 1 {
		keys = strings.Split(ctx.params[1], ",")
	}

	for i, name := range names {
		if !isValidChannelName(name) {
			ctx.reply(ErrNoSuchChannel, name, "No such channel")
			continue
		}
		var key string
		if i < len(keys) {
			key = keys[i]
		}

		ch, exists := ctx.reg.Channel(name)
		created := false
		if !exists {
			ch = NewChannel(name, cfg)
			switch err := ctx.reg.AddChannel(ch); err {
			case nil:
				created = true
			case ErrChannelExists:
				// Lost a creation race; use the winner.
				ch, _ = ctx.reg.Channel(name)
			case ErrCapacity:
				log.Printf("[%s] channel registry at capacity, refusing %q", ctx.from.Hostname(), name)
				ctx.reply(ErrFileError, name, "Too many channels on this server")
				continue
			}
		}
		if ch == nil {
			continue
		}

		hostmask := ctx.from.Hostmask()
		serverOp := ctx.from.Modes().Operator
		modes := ch.Modes()

		if ch.IsBanned(hostmask) && !serverOp {
			ctx.reply(ErrBannedFromChan, name, "Cannot join channel (+b)")
			continue
		}
		if modes.InviteOnly && !ch.MatchesInviteMask(hostmask) && !serverOp {
			ctx.reply(ErrInviteOnlyChan, name, "Cannot join channel (+i)")
			continue
		}

		switch err := ch.Join(ctx.from, key); err {
		case nil:
		case ErrKeyMismatch:
			ctx.reply(ErrBadChannelKey, name, "Cannot join channel (+k)")
			continue
		case ErrChannelFull:
			ctx.reply(ErrChannelIsFull, name, "Cannot join channel (+l)")
			continue
		}

		if err := ctx.from.AddChannel(ch); err != nil {
			// Unwind the channel-side add; the two inserts are not one
			// transaction.
			ch.Leave(ctx.from)
			ctx.reg.DropChannelIfEmpty(ch)
			ctx.reply(ErrTooManyChannels, name, "You have joined too many channels")
			continue
		}

		if created {
			ch.grantFounder(ctx.from)
		}

		joinLine := fmt.Sprintf(":%s JOIN %s", hostmask, ch.Name())
		ctx.srv.sendRaw(ctx.from, joinLine)
		ch.Broadcast(ctx.from, func(origin string) string {
			return fmt.Sprintf(":%s JOIN %s", origin, ch.Name())
		})

		if topic := ch.Topic(); topic != "" {
			ctx.reply(RplTopic, ch.Name(), topic)
		} else {
			ctx.reply(RplNoTopic, ch.Name(), "No topic is set")
		}
		ctx.srv.sendNames(ctx.from, ch)
	}
}

func (ctx *commandContext) partExec() {
	reason := ""
	if len(ctx.params) > 1 {
		reason = ctx.params[1]
	}

	for _, name := range strings.Split(ctx.params[0], ",") {
		ch, exists := ctx.reg.Channel(name)
		if !exists {
			ctx.reply(ErrNoSuchChannel, name, "No such channel")
			continue
		}
		if !ch.IsMember(ctx.from) {
			ctx.reply(ErrNotOnChannel, name, "You're not on that channel")
			continue
		}

		partLine := fmt.Sprintf(":%s PART %s :%s", ctx.from.Hostmask(), ch.Name(), reason)
		ctx.srv.sendRaw(ctx.from, partLine)
		ch.Broadcast(ctx.from, func(origin string) string {
			return fmt.Sprintf(":%s PART %s :%s", origin, ch.Name(), reason)
		})

		ch.Leave(ctx.from)
		ctx.from.RemoveChannel(ch)
		ctx.reg.DropChannelIfEmpty(ch)
	}
}

func (ctx *commandContext) privmsgExec() {
	ctx.deliver(ctx.params[0], ctx.params[1], "PRIVMSG", true)
}

func (ctx *commandContext) noticeExec() {
	if len(ctx.params) < 2 {
		return // notices never generate errors
	}
	ctx.deliver(ctx.params[0], ctx.params[1], "NOTICE", false)
}

func (ctx *commandContext) deliver(target, text, command string, errorReplies bool) {
	if target == "" {
		if errorReplies {
			ctx.reply(ErrNoSuchNick, "*", "No such nick/channel")
		}
		return
	}
	if target[0] == '#' || target[0] == '&' {
		ch, exists := ctx.reg.Channel(target)
		if !exists {
			if errorReplies {
				ctx.reply(ErrNoSuchNick, target, "No such nick/channel")
			}
			return
		}
		if !ch.CanReceiveBroadcast(ctx.from, time.Now()) {
			if errorReplies {
				ctx.reply(ErrCannotSendToChan, target, "Cannot send to channel")
			}
			return
		}
		dropped := ch.Broadcast(ctx.from, func(origin string) string {
			return fmt.Sprintf(":%s %s %s :%s", origin, command, ch.Name(), text)
		})
		if dropped > 0 {
			outboundDropsTotal.Add(float64(dropped))
		}
		return
	}

	targetTalker, exists := ctx.reg.UserByNick(target)
	if !exists {
		if errorReplies {
			ctx.reply(ErrNoSuchNick, target, "No such nick/channel")
		}
		return
	}

	line := fmt.Sprintf(":%s %s %s :%s", ctx.from.Hostmask(), command, targetTalker.Nick(), text)
	ctx.srv.sendRaw(targetTalker, line)

	if errorReplies {
		if away := targetTalker.AwayMessage(); away != "" {
			ctx.reply(RplAway, targetTalker.Nick(), away)
		}
	}
}

func (ctx *commandContext) topicExec() {
	name := ctx.params[0]
	ch, exists := ctx.reg.Channel(name)
	if !exists {
		ctx.reply(ErrNoSuchChannel, name, "No such channel")
		return
	}
	if !ch.IsMember(ctx.from) {
		ctx.reply(ErrNotOnChannel, name, "You're not on that channel")
		return
	}

	if len(ctx.params) == 1 {
		if topic := ch.Topic(); topic != "" {
			ctx.reply(RplTopic, ch.Name(), topic)
		} else {
			ctx.reply(RplNoTopic, ch.Name(), "No topic is set")
		}
		return
	}

	if ch.Modes().TopicLocked && !ch.IsOperator(ctx.from) && !ctx.from.Modes().Operator {
		ctx.reply(ErrChanOpPrivsNeeded, ch.Name(), "You're not a channel operator")
		return
	}

	ch.SetTopic(ctx.params[1])
	line := fmt.Sprintf(":%s TOPIC %s :%s", ctx.from.Hostmask(), ch.Name(), ctx.params[1])
	ctx.srv.sendRaw(ctx.from, line)
	ch.Broadcast(ctx.from, func(origin string) string {
		return fmt.Sprintf(":%s TOPIC %s :%s", origin, ch.Name(), ctx.params[1])
	})
}

func (ctx *commandContext) namesExec() {
	if len(ctx.params) < 1 {
		for _, ch := range ctx.reg.Channels() {
			ctx.srv.sendNames(ctx.from, ch)
		}
		return
	}
	for _, name := range strings.Split(ctx.params[0], ",") {
		if ch, exists := ctx.reg.Channel(name); exists {
			ctx.srv.sendNames(ctx.from, ch)
		} else {
			ctx.reply(RplEndOfNames, name, "End of NAMES list")
		}
	}
}

func (ctx *commandContext) listExec() {
	ctx.reply(RplListStart, "Channel", "Users  Name")
	for _, ch := range ctx.reg.Channels() {
		modes := ch.Modes()
		if modes.Secret && !ch.IsMember(ctx.from) {
			continue
		}
		topic := ch.Topic()
		if modes.Private && !ch.IsMember(ctx.from) {
			topic = ""
		}
		ctx.reply(RplList, ch.Name(), fmt.Sprintf("%d", ch.MemberCount()), topic)
	}
	ctx.reply(RplListEnd, "End of LIST")
}

// modeFlagTable maps mode characters to their tagged flags and whether
// a parameter is consumed on add / remove.
var modeFlagTable = map[rune]struct {
	flag        ModeFlag
	paramAdd    bool
	paramRemove bool
}{
	'o': {FlagOperator, true, true},
	'O': {FlagCreator, true, true},
	'v': {FlagVoice, true, true},
	'a': {FlagAnonymous, false, false},
	'i': {FlagInviteOnly, false, false},
	'm': {FlagModerated, false, false},
	'n': {FlagNoExternal, false, false},
	'q': {FlagQuiet, false, false},
	'p': {FlagPrivate, false, false},
	's': {FlagSecret, false, false},
	't': {FlagTopicLock, false, false},
	'k': {FlagKey, true, false},
	'l': {FlagLimit, true, false},
	'b': {FlagBan, true, true},
	'e': {FlagBanExcept, true, true},
	'I': {FlagInvite, true, true},
}

func (ctx *commandContext) modeExec() {
	target := ctx.params[0]
	if target == "" {
		ctx.reply(ErrNoSuchChannel, "*", "No such channel")
		return
	}

	if target[0] != '#' && target[0] != '&' {
		// User modes: only the owner's are visible or mutable here.
		if !strings.EqualFold(target, ctx.from.Nick()) {
			ctx.reply(ErrUsersDontMatch, "Can't change mode for other users")
		}
		return
	}

	ch, exists := ctx.reg.Channel(target)
	if !exists {
		ctx.reply(ErrNoSuchChannel, target, "No such channel")
		return
	}

	if len(ctx.params) == 1 {
		ctx.reply(RplChannelModeIs, ch.Name(), modeString(ch.Modes()))
		return
	}

	if !ch.IsOperator(ctx.from) && !ctx.from.Modes().Operator {
		ctx.reply(ErrChanOpPrivsNeeded, ch.Name(), "You're not a channel operator")
		return
	}

	modeStr := ctx.params[1]
	modeArgs := ctx.params[2:]
	argIndex := 0
	adding := true

	var appliedModes strings.Builder
	var appliedArgs []string

	for _, r := range modeStr {
		switch r {
		case '+':
			adding = true
			continue
		case '-':
			adding = false
			continue
		}

		entry, known := modeFlagTable[r]
		if !known {
			ctx.reply(ErrUnknownMode, string(r), "is unknown mode char to me")
			continue
		}

		needsParam := (adding && entry.paramAdd) || (!adding && entry.paramRemove)
		var param string
		if needsParam {
			if argIndex >= len(modeArgs) {
				// Ban mask query: +b with no mask lists the bans.
				if entry.flag == FlagBan && adding {
					ctx.listBans(ch)
				}
				continue
			}
			param = modeArgs[argIndex]
			argIndex++
		}

		op := ModeAdd
		if !adding {
			op = ModeRemove
		}

		change := ModeChange{Flag: entry.flag, Op: op, Param: param}
		if err := ch.UpdateMode(change, ctx.from, ctx.reg); err != nil {
			ctx.replyModeError(ch, change, err)
			continue
		}

		if adding {
			appliedModes.WriteString("+")
		} else {
			appliedModes.WriteString("-")
		}
		appliedModes.WriteRune(r)
		if param != "" {
			appliedArgs = append(appliedArgs, param)
		}
	}

	if appliedModes.Len() == 0 {
		return
	}

	announce := fmt.Sprintf(":%s MODE %s %s", ctx.from.Hostmask(), ch.Name(), appliedModes.String())
	if len(appliedArgs) > 0 {
		announce += " " + strings.Join(appliedArgs, " ")
	}
	ctx.srv.sendRaw(ctx.from, announce)
	ch.Broadcast(ctx.from, func(string) string { return announce })
}

func (ctx *commandContext) replyModeError(ch *Channel, change ModeChange, err error) {
	switch err {
	case ErrTargetNotFound:
		ctx.reply(ErrNoSuchNick, change.Param, "No such nick/channel")
	case ErrNotMember:
		ctx.reply(ErrUserNotInChannel, change.Param, ch.Name(), "They aren't on that channel")
	case ErrTargetRestricted:
		ctx.reply(ErrRestricted, "Your connection is restricted!")
	case ErrKeyAlreadySet:
		ctx.reply(ErrKeySet, ch.Name(), "Channel key already set")
	case ErrMaskListFull:
		ctx.reply(ErrBanListFull, ch.Name(), change.Param, "Channel list is full")
	default:
		ctx.reply(ErrUnknownMode, ch.Name(), err.Error())
	}
}

func (ctx *commandContext) listBans(ch *Channel) {
	for _, mask := range ch.BanMasks() {
		ctx.reply(RplBanList, ch.Name(), mask)
	}
	ctx.reply(RplEndOfBanList, ch.Name(), "End of channel ban list")
}

// inviteExec is the fully specified command pattern: every failure is a
// typed reply, and the channel-side add is unwound if the user-side add
// fails.
func (ctx *commandContext) inviteExec() {
	targetNick := ctx.params[0]
	channelName := ctx.params[1]

	ch, exists := ctx.reg.Channel(channelName)
	if !exists {
		ctx.reply(ErrNoSuchChannel, channelName, "No such channel")
		return
	}

	serverOp := ctx.from.Modes().Operator
	if !ch.IsMember(ctx.from) && !serverOp {
		ctx.reply(ErrNotOnChannel, channelName, "You're not on that channel")
		return
	}

	if ch.Modes().InviteOnly && !serverOp {
		if !ch.IsOperator(ctx.from) {
			ctx.reply(ErrChanOpPrivsNeeded, channelName, "You're not a channel operator")
			return
		}
		if ctx.from.Modes().Restricted {
			ctx.reply(ErrRestricted, "Your connection is restricted!")
			return
		}
	}

	target, exists := ctx.reg.UserByNick(targetNick)
	if !exists || !target.IsRegistered() {
		ctx.reply(ErrNoSuchNick, targetNick, "No such nick/channel")
		return
	}

	if ch.IsMember(target) {
		ctx.reply(ErrUserOnChannel, target.Nick(), channelName, "is already on channel")
		return
	}

	// The invite adds the target directly, with a null key, following
	// the join contract translated to this command's replies.
	switch err := ch.Join(target, ""); err {
	case nil:
	case ErrKeyMismatch:
		ctx.reply(ErrBadChannelKey, channelName, "Cannot join channel (+k)")
		return
	case ErrChannelFull:
		ctx.reply(ErrChannelIsFull, channelName, "Cannot join channel (+l)")
		return
	}

	if err := target.AddChannel(ch); err != nil {
		ch.Leave(target)
		ctx.reply(ErrTooManyChannels, channelName, "Target has joined too many channels")
		return
	}

	joinLine := fmt.Sprintf(":%s JOIN %s", target.Hostmask(), ch.Name())
	ctx.srv.sendRaw(target, joinLine)
	ch.Broadcast(target, func(origin string) string {
		return fmt.Sprintf(":%s JOIN %s", origin, ch.Name())
	})

	ctx.reply(RplInviting, target.Nick(), ch.Name())
	ctx.srv.sendReply(target, RplInviting, target.Nick(), ch.Name())
	ctx.srv.sendNames(target, ch)
}

func (ctx *commandContext) awayExec() {
	if len(ctx.params) < 1 || ctx.params[0] == "" {
		ctx.from.SetAway("")
		ctx.reply(RplUnaway, "You are no longer marked as being away")
		return
	}
	ctx.from.SetAway(ctx.params[0])
	ctx.reply(RplNowAway, "You have been marked as being away")
}

func (ctx *commandContext) operExec() {
	username := ctx.params[0]
	password := ctx.params[1]

	if !ctx.reg.Authenticate(username, password) {
		ctx.reply(ErrPasswdMismatch, "Password incorrect")
		return
	}

	ctx.from.SetOperator(true)
	ctx.reply(RplYoureOper, "You are now an operator")
	ctx.srv.sendServerLine(ctx.from, "MODE", ctx.from.Nick(), "+o")
	ctx.srv.notifyOperators(fmt.Sprintf("%s is now an operator", ctx.from.Nick()))
	log.Printf("[%s] %s authenticated as operator %q", ctx.from.Hostname(), ctx.from.Nick(), username)
}

func (ctx *commandContext) killExec() {
	if !ctx.from.Modes().Operator {
		ctx.reply(ErrNoPrivileges, "Permission Denied - You're not an operator")
		return
	}

	targetNick := ctx.params[0]
	reason := "No reason"
	if len(ctx.params) > 1 {
		reason = ctx.params[1]
	}

	target, exists := ctx.reg.UserByNick(targetNick)
	if !exists {
		ctx.reply(ErrNoSuchNick, targetNick, "No such nick/channel")
		return
	}

	ctx.srv.sendRaw(target, fmt.Sprintf(":%s KILL %s :%s", ctx.from.Hostmask(), target.Nick(), reason))
	ctx.srv.forceDisconnect(target, fmt.Sprintf("Killed by %s: %s", ctx.from.Nick(), reason))
	ctx.srv.notifyOperators(fmt.Sprintf("%s disconnected by operator %s: %s", targetNick, ctx.from.Nick(), reason))
}

func (ctx *commandContext) timeExec() {
	cfg := ctx.srv.Config()
	ctx.reply(RplTime, cfg.ServerName, time.Now().Format(time.RFC1123))
}

func (ctx *commandContext) adminExec() {
	cfg := ctx.srv.Config()
	ctx.reply(RplAdminMe, cfg.ServerName, "Administrative info")
	ctx.reply(RplAdminEmail, cfg.ServerDesc)
}

func (ctx *commandContext) whoisExec() {
	targetNick := ctx.params[0]
	target, exists := ctx.reg.UserByNick(targetNick)
	if !exists {
		ctx.reply(ErrNoSuchNick, targetNick, "No such nick/channel")
		ctx.reply(RplEndOfWhois, targetNick, "End of WHOIS list")
		return
	}

	cfg := ctx.srv.Config()
	ctx.reply(RplWhoisUser, target.Nick(), target.Username(), target.Hostname(), "*", target.Realname())

	if channels := target.Channels(); len(channels) > 0 {
		var names strings.Builder
		for _, ch := range channels {
			if names.Len() > 0 {
				names.WriteString(" ")
			}
			if ch.IsOperator(target) {
				names.WriteString("@")
			}
			names.WriteString(ch.Name())
		}
		ctx.reply(RplWhoisChannels, target.Nick(), names.String())
	}

	ctx.reply(RplWhoisServer, target.Nick(), cfg.ServerName, cfg.ServerDesc)
	if target.Modes().Operator {
		ctx.reply(RplWhoisOperator, target.Nick(), "is an operator")
	}
	if away := target.AwayMessage(); away != "" {
		ctx.reply(RplAway, target.Nick(), away)
	}
	ctx.reply(RplEndOfWhois, target.Nick(), "End of WHOIS list")
}

// modeString renders channel-wide flags for RplChannelModeIs.
func modeString(m ChannelModes) string {
	var sb strings.Builder
	sb.WriteString("+")
	if m.Anonymous {
		sb.WriteString("a")
	}
	if m.InviteOnly {
		sb.WriteString("i")
	}
	if m.Moderated {
		sb.WriteString("m")
	}
	if m.NoExternal {
		sb.WriteString("n")
	}
	if m.Quiet {
		sb.WriteString("q")
	}
	if m.Private {
		sb.WriteString("p")
	}
	if m.Secret {
		sb.WriteString("s")
	}
	if m.TopicLocked {
		sb.WriteString("t")
	}
	if m.Key != "" {
		sb.WriteString("k")
	}
	if m.Limit > 0 {
		sb.WriteString("l")
	}
	return sb.String()
}
