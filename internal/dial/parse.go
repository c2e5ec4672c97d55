package dial

import (
	"fmt"
	"strings"
	"time"
)

// KeySource selects which manager id becomes the correlation key.
type KeySource string

const (
	KeyLinkedID KeySource = "linkedid"
	KeyUniqueID KeySource = "uniqueid"
)

// ParseKeySource accepts the CDR_ID_SOURCE setting; empty means linkedid.
func ParseKeySource(s string) (KeySource, error) {
	switch KeySource(strings.ToLower(strings.TrimSpace(s))) {
	case "", KeyLinkedID:
		return KeyLinkedID, nil
	case KeyUniqueID:
		return KeyUniqueID, nil
	default:
		return "", fmt.Errorf("unknown id source %q (want linkedid or uniqueid)", s)
	}
}

// DefaultInternalMaxDigits is the longest caller number still treated as an
// internal extension.
const DefaultInternalMaxDigits = 3

// Options controls how raw fields are decoded.
type Options struct {
	KeySource         KeySource
	InternalMaxDigits int
}

// Fields is a decoded manager block. textproto.MIMEHeader satisfies it.
type Fields interface {
	Get(key string) string
}

// ParseError reports a single malformed event. The stream that produced it
// remains usable.
type ParseError struct {
	Name   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Name == "" {
		return "dial: malformed event: " + e.Reason
	}
	return fmt.Sprintf("dial: malformed %s event: %s", e.Name, e.Reason)
}

// IsDialEvent reports whether an Event field value names a dial event.
func IsDialEvent(name string) bool {
	return name == "DialBegin" || name == "DialEnd"
}

// Parse decodes a DialBegin or DialEnd block.
func Parse(f Fields, opts Options, received time.Time) (Event, error) {
	name := field(f, "Event")
	var ev Event
	switch name {
	case "DialBegin":
		ev.Kind = Begin
	case "DialEnd":
		ev.Kind = End
	default:
		return Event{}, &ParseError{Name: name, Reason: "not a dial event"}
	}

	ev.LinkedID = field(f, "Linkedid")
	ev.UniqueID = field(f, "Uniqueid")
	ev.Key = pickKey(opts.KeySource, ev.LinkedID, ev.UniqueID)
	if ev.Key == "" {
		return Event{}, &ParseError{Name: name, Reason: "missing Linkedid and Uniqueid"}
	}

	ev.Channel = field(f, "Channel")
	ev.DestChannel = field(f, "DestChannel")
	ev.DialString = field(f, "DialString")
	ev.CallerNum = field(f, "CallerIDNum")
	ev.SourceExt = channelExt(ev.Channel)
	ev.DestExt = field(f, "DestCallerIDNum")
	if ev.DestExt == "" {
		ev.DestExt = channelExt(ev.DestChannel)
	}
	ev.Direction = direction(ev.CallerNum, opts.InternalMaxDigits)
	ev.Received = received

	if ev.Kind == End {
		ev.Disposition = strings.ToUpper(field(f, "DialStatus"))
		if ev.Disposition == "" {
			return Event{}, &ParseError{Name: name, Reason: "missing DialStatus"}
		}
	}
	return ev, nil
}

func field(f Fields, key string) string {
	return strings.TrimSpace(f.Get(key))
}

func pickKey(src KeySource, linked, unique string) string {
	if src == KeyUniqueID {
		if unique != "" {
			return unique
		}
		return linked
	}
	if linked != "" {
		return linked
	}
	return unique
}

func direction(caller string, maxDigits int) Direction {
	if maxDigits <= 0 {
		maxDigits = DefaultInternalMaxDigits
	}
	if caller != "" && len(caller) <= maxDigits {
		return Internal
	}
	return External
}

// channelExt extracts the peer from a channel name such as
// "PJSIP/101-00000a2f" or "Local/101@from-queue-0000;1".
func channelExt(ch string) string {
	slash := strings.IndexByte(ch, '/')
	if slash < 0 {
		return ""
	}
	peer := ch[slash+1:]
	if i := strings.IndexAny(peer, "-@;"); i >= 0 {
		peer = peer[:i]
	}
	return peer
}
