package talk

import "time"

// Transcript is an append-only queue of dispatched command lines for
// an external consumer (log shipper, audit writer). Offering to a full
// queue drops the line; dispatch never blocks on it.
type Transcript struct {
	lines chan string
}

func newTranscript(buffer int) *Transcript {
	if buffer <= 0 {
		return nil
	}
	return &Transcript{lines: make(chan string, buffer)}
}

// Offer appends a line if there is room, reporting whether it was kept.
func (tr *Transcript) Offer(line string) bool {
	if tr == nil {
		return false
	}
	select {
	case tr.lines <- line:
		return true
	default:
		return false
	}
}

// Lines is the consumer side of the queue.
func (tr *Transcript) Lines() <-chan string {
	if tr == nil {
		return nil
	}
	return tr.lines
}

// transcriptLine formats one dispatched command for the queue.
func transcriptLine(nick, raw string) string {
	if nick == "" {
		nick = "*"
	}
	return time.Now().UTC().Format(time.RFC3339) + " " + nick + " " + raw
}
