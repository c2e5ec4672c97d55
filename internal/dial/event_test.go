package dial

import (
	"errors"
	"net/textproto"
	"testing"
	"time"
)

func block(kv ...string) textproto.MIMEHeader {
	h := textproto.MIMEHeader{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestParseDialBegin(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ev, err := Parse(block(
		"Event", "DialBegin",
		"Channel", "PJSIP/trunk-00000012",
		"DestChannel", "PJSIP/101-00000013",
		"CallerIDNum", "09121234567",
		"Linkedid", "1706871234.56",
		"Uniqueid", "1706871234.57",
	), Options{KeySource: KeyLinkedID}, now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Kind != Begin {
		t.Fatalf("expected begin, got %s", ev.Kind)
	}
	if ev.Key != "1706871234.56" {
		t.Fatalf("expected linkedid key, got %q", ev.Key)
	}
	if ev.DestExt != "101" {
		t.Fatalf("expected dest ext from channel, got %q", ev.DestExt)
	}
	if ev.SourceExt != "trunk" {
		t.Fatalf("unexpected source ext %q", ev.SourceExt)
	}
	if ev.Direction != External {
		t.Fatalf("expected external call")
	}
	if !ev.Received.Equal(now) {
		t.Fatalf("received not set")
	}
}

func TestParseKeySourceFallback(t *testing.T) {
	ev, err := Parse(block("Event", "DialBegin", "Uniqueid", "55.1"), Options{KeySource: KeyLinkedID}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Key != "55.1" {
		t.Fatalf("expected uniqueid fallback, got %q", ev.Key)
	}
	ev, err = Parse(block("Event", "DialBegin", "Linkedid", "1.1", "Uniqueid", "2.2"), Options{KeySource: KeyUniqueID}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Key != "2.2" {
		t.Fatalf("expected uniqueid key, got %q", ev.Key)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		h    textproto.MIMEHeader
	}{
		{"not dial", block("Event", "Hangup", "Linkedid", "1")},
		{"no ids", block("Event", "DialBegin")},
		{"end without status", block("Event", "DialEnd", "Linkedid", "1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.h, Options{}, time.Now())
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ParseError, got %v", err)
			}
		})
	}
}

func TestParseDialEndDisposition(t *testing.T) {
	ev, err := Parse(block("Event", "DialEnd", "Linkedid", "9", "DialStatus", "answer"), Options{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Answered() {
		t.Fatalf("expected answered, got %q", ev.Disposition)
	}
}

func TestDirection(t *testing.T) {
	ev, _ := Parse(block("Event", "DialBegin", "Linkedid", "1", "CallerIDNum", "102"), Options{}, time.Now())
	if ev.Direction != Internal {
		t.Fatalf("expected internal for short caller")
	}
	ev, _ = Parse(block("Event", "DialBegin", "Linkedid", "1", "CallerIDNum", "9020"), Options{InternalMaxDigits: 4}, time.Now())
	if ev.Direction != Internal {
		t.Fatalf("expected internal with 4 digit limit")
	}
}

func TestTargetsExtension(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want bool
	}{
		{"dest caller id", Event{DestExt: "101"}, true},
		{"dest channel", Event{DestChannel: "SIP/101-0000"}, true},
		{"dial string", Event{DialString: "101@internal"}, true},
		{"longer number", Event{DestChannel: "SIP/1010-0000"}, false},
		{"prefix digits", Event{DialString: "9101"}, false},
		{"local channel", Event{Channel: "Local/FMPR-101@from-internal;2"}, true},
		{"non local channel", Event{Channel: "SIP/101-0001"}, false},
		{"second occurrence", Event{DialString: "1010&101"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.TargetsExtension("101"); got != tt.want {
				t.Fatalf("TargetsExtension = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDigits(t *testing.T) {
	tests := map[string]string{
		"1706871234.56": "170687123456",
		"007.1":         "71",
		"abc":           "",
		"0.0":           "0",
	}
	for in, want := range tests {
		if got := Digits(in); got != want {
			t.Errorf("Digits(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseKeySource(t *testing.T) {
	if k, err := ParseKeySource(""); err != nil || k != KeyLinkedID {
		t.Fatalf("empty should default to linkedid: %v %v", k, err)
	}
	if k, err := ParseKeySource("UniqueID"); err != nil || k != KeyUniqueID {
		t.Fatalf("case-insensitive uniqueid: %v %v", k, err)
	}
	if _, err := ParseKeySource("channel"); err == nil {
		t.Fatalf("expected error for unknown source")
	}
}
