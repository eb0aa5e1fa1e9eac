package carabiner

import (
	"errors"
	"strconv"
	"strings"
	"testing"
)

func TestEncodeCommandRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		encoded  []byte
		wantName string
		wantArgs []string
	}{
		{"bpm", encodeBPM(120.5), "bpm", []string{"120.5"}},
		{"beat-at-time", encodeBeatAtTime(73746356), "beat-at-time", []string{"73746356", "4.0"}},
		{"force-beat-at-time", encodeForceBeatAtTime(8, 73746356), "force-beat-at-time", []string{"8", "73746356", "4.0"}},
		{"phase-at-time", encodePhaseAtTime(99000017), "phase-at-time", []string{"99000017", "4.0"}},
		{"start-playing", encodeStartPlaying(5500), "start-playing", []string{"5500"}},
		{"stop-playing", encodeStopPlaying(6600), "stop-playing", []string{"6600"}},
	}

	for _, tt := range tests {
		line := string(tt.encoded)
		if !strings.HasSuffix(line, "\n") {
			t.Errorf("%s: encoded command %q lacks newline terminator", tt.name, line)
		}
		name, args := parseCommand(line)
		if name != tt.wantName {
			t.Errorf("%s: command name = %q, want %q", tt.name, name, tt.wantName)
		}
		if len(args) != len(tt.wantArgs) {
			t.Fatalf("%s: args = %v, want %v", tt.name, args, tt.wantArgs)
		}
		for i := range args {
			if args[i] != tt.wantArgs[i] {
				t.Errorf("%s: arg[%d] = %q, want %q", tt.name, i, args[i], tt.wantArgs[i])
			}
		}
	}
}

func TestFormatTempoRoundTrips(t *testing.T) {
	for _, bpm := range []float64{20, 120.5, 128.3333333333, 999} {
		got, err := strconv.ParseFloat(formatTempo(bpm), 64)
		if err != nil {
			t.Fatalf("formatTempo(%v) produced unparseable %q", bpm, formatTempo(bpm))
		}
		if got != bpm {
			t.Errorf("formatTempo(%v) round-tripped to %v", bpm, got)
		}
	}
}

func TestDecodeStatus(t *testing.T) {
	dec := &decoder{}
	dec.feed([]byte("status { :peers 2 :bpm 123.456000 :start 73743731 :beat 597.737570 }\n"))

	msg, ok, err := dec.next()
	if err != nil {
		t.Fatalf("next() error: %v", err)
	}
	if !ok {
		t.Fatal("next() found no message in a complete status line")
	}
	if msg.tag != "status" {
		t.Errorf("tag = %q, want status", msg.tag)
	}
	if bpm, ok := floatField(msg.value, "bpm"); !ok || bpm != 123.456 {
		t.Errorf("bpm field = %v, %v; want 123.456, true", bpm, ok)
	}
	if peers, ok := intField(msg.value, "peers"); !ok || peers != 2 {
		t.Errorf("peers field = %v, %v; want 2, true", peers, ok)
	}

	if _, ok, _ := dec.next(); ok {
		t.Error("next() yielded a second message from a single status line")
	}
}

func TestDecodeMultipleMessagesInOneRead(t *testing.T) {
	dec := &decoder{}
	dec.feed([]byte("status { :bpm 120.0 :peers 0 }\nbeat-at-time { :beat 15.2 :when 73746356 }\n"))

	msg, ok, err := dec.next()
	if err != nil || !ok || msg.tag != "status" {
		t.Fatalf("first message = %+v, %v, %v; want status", msg, ok, err)
	}
	msg, ok, err = dec.next()
	if err != nil || !ok || msg.tag != "beat-at-time" {
		t.Fatalf("second message = %+v, %v, %v; want beat-at-time", msg, ok, err)
	}
	if beat, _ := floatField(msg.value, "beat"); beat != 15.2 {
		t.Errorf("beat field = %v, want 15.2", beat)
	}
	if _, ok, _ = dec.next(); ok {
		t.Error("decoder yielded a third message from two lines")
	}
}

func TestDecodeMessageSpanningReads(t *testing.T) {
	dec := &decoder{}
	whole := "phase-at-time { :phase 0.238273 :when 73746356 }\n"

	// Feed one byte at a time; no prefix short of the closing brace may
	// yield a message.
	for i := 0; i < len(whole)-2; i++ {
		dec.feed([]byte{whole[i]})
		if _, ok, err := dec.next(); ok || err != nil {
			t.Fatalf("partial input %q yielded message (ok=%v, err=%v)", whole[:i+1], ok, err)
		}
	}
	dec.feed([]byte(whole[len(whole)-2:]))

	msg, ok, err := dec.next()
	if err != nil || !ok {
		t.Fatalf("complete input yielded ok=%v, err=%v", ok, err)
	}
	if msg.tag != "phase-at-time" {
		t.Errorf("tag = %q, want phase-at-time", msg.tag)
	}
	if phase, _ := floatField(msg.value, "phase"); phase != 0.238273 {
		t.Errorf("phase = %v, want 0.238273", phase)
	}
	if when, _ := intField(msg.value, "when"); when != 73746356 {
		t.Errorf("when = %v, want 73746356", when)
	}
}

func TestDecodeVersionString(t *testing.T) {
	dec := &decoder{}
	dec.feed([]byte("version \"1.1.6\"\n"))

	msg, ok, err := dec.next()
	if err != nil || !ok {
		t.Fatalf("next() = ok=%v, err=%v", ok, err)
	}
	if msg.tag != "version" {
		t.Errorf("tag = %q, want version", msg.tag)
	}
	if s := asString(msg.value); s != "1.1.6" {
		t.Errorf("version payload = %q, want 1.1.6", s)
	}
}

func TestDecodeUnsupportedSymbol(t *testing.T) {
	dec := &decoder{}
	dec.feed([]byte("unsupported version\n"))

	msg, ok, err := dec.next()
	if err != nil || !ok {
		t.Fatalf("next() = ok=%v, err=%v", ok, err)
	}
	if msg.tag != "unsupported" {
		t.Errorf("tag = %q, want unsupported", msg.tag)
	}
	if s := asString(msg.value); s != "version" {
		t.Errorf("unsupported payload = %q, want version", s)
	}
}

func TestDecodeUnrecognizedTagContinuesBatch(t *testing.T) {
	dec := &decoder{}
	dec.feed([]byte("mystery { :x 1 }\nstatus { :bpm 120.0 :peers 0 }\n"))

	msg, ok, err := dec.next()
	if !ok {
		t.Fatal("unrecognized message was swallowed entirely")
	}
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("err = %v, want ErrProtocol", err)
	}
	if msg.tag != "mystery" {
		t.Errorf("tag = %q, want mystery", msg.tag)
	}

	msg, ok, err = dec.next()
	if err != nil || !ok || msg.tag != "status" {
		t.Fatalf("message after unrecognized tag = %+v, %v, %v; want status", msg, ok, err)
	}
}

func TestDecodeEmptyAndWhitespace(t *testing.T) {
	dec := &decoder{}
	if _, ok, err := dec.next(); ok || err != nil {
		t.Errorf("empty decoder yielded ok=%v, err=%v", ok, err)
	}
	dec.feed([]byte("  \r\n\n"))
	if _, ok, err := dec.next(); ok || err != nil {
		t.Errorf("whitespace-only input yielded ok=%v, err=%v", ok, err)
	}
}
