/*
Package talk implements a multi-user text chat server built around a
polling pipeline of cooperating worker stages.

# Features

## Connection and Registration

- Full connection lifecycle with explicit teardown handshake
- Registration sequence (PASS, NICK, USER) with connection password support
- Server-to-client ping/pong keep-alive with silence detection
- Per-connection read throttling driven by a sliding-window rate meter
- Reverse hostname resolution with a bounded timeout

## Channel Operations

- Channel creation and management (JOIN, PART, NAMES, LIST, TOPIC, INVITE)
- Channel modes: invite-only, key, member limit, ban and exception masks,
  invite masks, moderated, no-external, quiet, anonymous, private, secret,
  topic-locked, operator and voice member status
- Per-channel broadcast rate limiting over a sliding 10-second window
- A permanent &MONITOR channel carrying operator notices

## Messaging

- PRIVMSG and NOTICE to channels and users, with away replies
- Best-effort delivery: a full outbound mailbox drops rather than stalls

## Operations

- Operator authentication (OPER) against bcrypt credential hashes
- KILL, TIME, ADMIN, WHOIS, AWAY
- Overload admission control shedding non-essential commands
- Prometheus metrics and a JSON status endpoint on a separate admin port

The server polls: reader, dispatcher, writer and health stages each scan
the connection registry on a fixed interval, so no connection owns a
goroutine. Inbound lines move through a single-slot mailbox, preserving
per-connection arrival order; outbound lines queue in a bounded channel.
*/
package talk
