// Package dial models the dial-state events the correlator consumes and
// decodes them from manager-interface field blocks.
package dial

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes the two dial events.
type Kind int

const (
	Begin Kind = iota + 1
	End
)

func (k Kind) String() string {
	switch k {
	case Begin:
		return "begin"
	case End:
		return "end"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Direction of a call relative to the PBX.
type Direction int

const (
	External Direction = iota
	Internal
)

func (d Direction) String() string {
	if d == Internal {
		return "internal"
	}
	return "external"
}

// Dispositions reported in DialEnd's DialStatus.
const (
	DispositionAnswer   = "ANSWER"
	DispositionNoAnswer = "NOANSWER"
	DispositionBusy     = "BUSY"
	DispositionCancel   = "CANCEL"
)

// Event is one decoded DialBegin or DialEnd. Values are never mutated after
// Parse returns them.
type Event struct {
	Kind        Kind
	Key         string
	LinkedID    string
	UniqueID    string
	Channel     string
	DestChannel string
	DialString  string
	SourceExt   string
	DestExt     string
	CallerNum   string
	Direction   Direction
	Disposition string
	Received    time.Time
}

// Answered reports whether an End event carries the ANSWER disposition.
func (e Event) Answered() bool {
	return e.Kind == End && e.Disposition == DispositionAnswer
}

// TargetsExtension reports whether the event is a dial towards ext. The
// destination caller id must match exactly; channel names and dial strings
// match when ext appears with no adjacent digits, so "101" never matches
// "1010". Local channels count because ring groups and follow-me dial
// through them.
func (e Event) TargetsExtension(ext string) bool {
	if ext == "" {
		return false
	}
	if e.DestExt == ext {
		return true
	}
	if containsExt(e.DestChannel, ext) || containsExt(e.DialString, ext) {
		return true
	}
	return strings.HasPrefix(e.Channel, "Local/") && containsExt(e.Channel, ext)
}

func containsExt(s, ext string) bool {
	for from := 0; from <= len(s)-len(ext); {
		i := strings.Index(s[from:], ext)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(ext)
		if (start == 0 || !isDigit(s[start-1])) && (end == len(s) || !isDigit(s[end])) {
			return true
		}
		from = start + 1
	}
	return false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// Digits returns only the decimal digits of s with leading zeros removed.
// Manager ids such as "1706871234.56" become "170687123456". It returns ""
// when s has no digits.
func Digits(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if isDigit(s[i]) {
			b.WriteByte(s[i])
		}
	}
	out := strings.TrimLeft(b.String(), "0")
	if out == "" && b.Len() > 0 {
		return "0"
	}
	return out
}
