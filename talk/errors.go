package talk

import "errors"

// Business-rule failures are normal, expected outcomes. They are
// represented as typed results and translated into protocol replies by
// the command handlers, never raised as panics.
var (
	// Registry
	ErrCapacity      = errors.New("registry at capacity")
	ErrNickInUse     = errors.New("nickname is already in use")
	ErrChannelExists = errors.New("channel already registered")

	// Channel membership and modes
	ErrKeyMismatch      = errors.New("bad channel key")
	ErrChannelFull      = errors.New("channel is full")
	ErrChannelLimit     = errors.New("joined too many channels")
	ErrKeyAlreadySet    = errors.New("channel key already set")
	ErrMaskListFull     = errors.New("mask list is full")
	ErrMalformedMode    = errors.New("malformed mode parameter")
	ErrModeConflict     = errors.New("conflicting channel mode")
	ErrTargetNotFound   = errors.New("no such nick")
	ErrNotMember        = errors.New("target is not a channel member")
	ErrTargetRestricted = errors.New("target is a restricted user")

	// Command engine
	ErrLineTooLong = errors.New("line exceeds maximum length")
	ErrSyntax      = errors.New("syntax error")
	ErrParams      = errors.New("not enough parameters")
)