package carabiner

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// The wire protocol is line-oriented text over loopback TCP. Outbound
// commands are a name plus space-separated scalar arguments, newline
// terminated. Inbound messages are a leading tag symbol followed by one
// value in a small edn-like literal syntax: numbers, double-quoted
// strings, symbols, and {:key value} maps. Messages are self-delimiting;
// a single read may carry several messages or only part of one, so
// decoding is incremental.

// quantum is the beats-per-bar quantum sent with every beat and phase
// command. The bar-skew wraparound in align.go assumes this value.
const quantum = 4.0

// Outbound command names.
const (
	cmdVersion             = "version"
	cmdEnableStartStopSync = "enable-start-stop-sync"
	cmdStatus              = "status"
	cmdBPM                 = "bpm"
	cmdBeatAtTime          = "beat-at-time"
	cmdForceBeatAtTime     = "force-beat-at-time"
	cmdPhaseAtTime         = "phase-at-time"
	cmdStartPlaying        = "start-playing"
	cmdStopPlaying         = "stop-playing"
)

// formatTempo renders a BPM value with the shortest decimal form that
// round-trips exactly.
func formatTempo(bpm float64) string {
	return strconv.FormatFloat(bpm, 'f', -1, 64)
}

func formatQuantum() string {
	return strconv.FormatFloat(quantum, 'f', 1, 64)
}

// encodeCommand builds one outbound protocol line.
func encodeCommand(name string, args ...string) []byte {
	if len(args) == 0 {
		return []byte(name + "\n")
	}
	return []byte(name + " " + strings.Join(args, " ") + "\n")
}

func encodeBPM(bpm float64) []byte {
	return encodeCommand(cmdBPM, formatTempo(bpm))
}

func encodeBeatAtTime(micros int64) []byte {
	return encodeCommand(cmdBeatAtTime, strconv.FormatInt(micros, 10), formatQuantum())
}

func encodeForceBeatAtTime(beat int64, micros int64) []byte {
	return encodeCommand(cmdForceBeatAtTime,
		strconv.FormatInt(beat, 10), strconv.FormatInt(micros, 10), formatQuantum())
}

func encodePhaseAtTime(micros int64) []byte {
	return encodeCommand(cmdPhaseAtTime, strconv.FormatInt(micros, 10), formatQuantum())
}

func encodeStartPlaying(micros int64) []byte {
	return encodeCommand(cmdStartPlaying, strconv.FormatInt(micros, 10))
}

func encodeStopPlaying(micros int64) []byte {
	return encodeCommand(cmdStopPlaying, strconv.FormatInt(micros, 10))
}

// parseCommand splits an outbound protocol line back into its name and
// arguments. Used by tests and by the scripted daemon they run against.
func parseCommand(line string) (name string, args []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// symbol is a bare edn symbol or keyword (without its leading colon for
// map keys).
type symbol string

// message is one decoded inbound message. value is nil for tag-only
// messages and one of float64, int64, string, symbol, or
// map[string]interface{} otherwise. For unrecognized tags, raw carries
// the skipped line.
type message struct {
	tag   string
	value interface{}
	raw   string
}

// recognizedTags are the inbound messages the engine dispatches on.
var recognizedTags = map[string]bool{
	"status":        true,
	"beat-at-time":  true,
	"phase-at-time": true,
	"version":       true,
	"unsupported":   true,
}

// errIncomplete signals that the buffer ends mid-message; the decoder
// keeps the bytes and waits for the next read.
var errIncomplete = errors.New("incomplete message")

// decoder accumulates socket reads and yields complete messages. Not safe
// for concurrent use; the read loop is its only caller.
type decoder struct {
	buf []byte
}

func (d *decoder) feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// next decodes the next complete message from the buffer. ok is false when
// the buffer holds no complete message. A message with an unrecognized tag
// consumes through its end of line and is returned with err wrapping
// ErrProtocol; decoding then continues with the rest of the buffer.
func (d *decoder) next() (msg message, ok bool, err error) {
	rest := skipSpace(d.buf)
	if len(rest) == 0 {
		d.buf = d.buf[:0]
		return message{}, false, nil
	}

	tag, afterTag, perr := parseSymbol(rest)
	if perr != nil {
		if errors.Is(perr, errIncomplete) {
			d.buf = rest
			return message{}, false, nil
		}
		// Unparseable leading bytes: drop the line so one bad message
		// cannot wedge the stream.
		line, after := takeLine(rest)
		if after == nil {
			d.buf = rest
			return message{}, false, nil
		}
		d.buf = after
		return message{raw: line}, true, errors.Wrapf(ErrProtocol, "unparseable input %q", line)
	}

	if !recognizedTags[string(tag)] {
		line, after := takeLine(rest)
		if after == nil {
			// The line may still be arriving.
			d.buf = rest
			return message{}, false, nil
		}
		d.buf = after
		return message{tag: string(tag), raw: line}, true,
			errors.Wrapf(ErrProtocol, "unrecognized message %q", line)
	}

	value, afterValue, perr := parseValue(afterTag)
	if perr != nil {
		if errors.Is(perr, errIncomplete) {
			d.buf = rest
			return message{}, false, nil
		}
		line, after := takeLine(rest)
		if after == nil {
			after = rest[len(rest):]
		}
		d.buf = after
		return message{tag: string(tag), raw: line}, true,
			errors.Wrapf(perr, "malformed %s message", tag)
	}

	d.buf = afterValue
	return message{tag: string(tag), value: value}, true, nil
}

func skipSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\r' || b[i] == '\n') {
		i++
	}
	return b[i:]
}

// takeLine consumes through the next newline. after is nil when the buffer
// holds no newline (the line is still incomplete).
func takeLine(b []byte) (line string, after []byte) {
	for i, c := range b {
		if c == '\n' {
			return strings.TrimRight(string(b[:i]), "\r"), b[i+1:]
		}
	}
	return string(b), nil
}

func isDelimiter(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '{' || c == '}'
}

// parseSymbol reads a bare symbol (or keyword). The symbol is complete
// only when a delimiter follows it in the buffer; a symbol running into
// the end of the buffer may still be arriving.
func parseSymbol(b []byte) (symbol, []byte, error) {
	i := 0
	for i < len(b) && !isDelimiter(b[i]) {
		i++
	}
	if i == len(b) {
		return "", nil, errIncomplete
	}
	if i == 0 {
		return "", nil, errors.Wrapf(ErrProtocol, "expected symbol at %q", truncate(b))
	}
	return symbol(b[:i]), b[i:], nil
}

// parseValue reads one edn-like value: a map, string, number, or symbol.
func parseValue(b []byte) (interface{}, []byte, error) {
	b = skipSpace(b)
	if len(b) == 0 {
		return nil, nil, errIncomplete
	}
	switch {
	case b[0] == '{':
		return parseMap(b)
	case b[0] == '"':
		return parseString(b)
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		return parseNumber(b)
	default:
		sym, rest, err := parseSymbol(b)
		if err != nil {
			return nil, nil, err
		}
		return sym, rest, nil
	}
}

// parseMap reads a {:key value ...} map. Keys must be keywords; the
// leading colon is stripped from the stored key.
func parseMap(b []byte) (interface{}, []byte, error) {
	b = b[1:] // consume '{'
	m := make(map[string]interface{})
	for {
		b = skipSpace(b)
		if len(b) == 0 {
			return nil, nil, errIncomplete
		}
		if b[0] == '}' {
			return m, b[1:], nil
		}
		key, rest, err := parseSymbol(b)
		if err != nil {
			return nil, nil, err
		}
		if !strings.HasPrefix(string(key), ":") {
			return nil, nil, errors.Wrapf(ErrProtocol, "map key %q is not a keyword", key)
		}
		value, rest, err := parseValue(rest)
		if err != nil {
			return nil, nil, err
		}
		m[strings.TrimPrefix(string(key), ":")] = value
		b = rest
	}
}

func parseString(b []byte) (interface{}, []byte, error) {
	for i := 1; i < len(b); i++ {
		if b[i] == '"' && b[i-1] != '\\' {
			s := strings.ReplaceAll(string(b[1:i]), `\"`, `"`)
			return s, b[i+1:], nil
		}
	}
	return nil, nil, errIncomplete
}

// parseNumber reads an integer or floating-point literal. The number is
// complete only when a delimiter follows it in the buffer.
func parseNumber(b []byte) (interface{}, []byte, error) {
	i := 0
	isFloat := false
	for i < len(b) && !isDelimiter(b[i]) {
		c := b[i]
		if c == '.' || c == 'e' || c == 'E' {
			isFloat = true
		}
		i++
	}
	if i == len(b) {
		return nil, nil, errIncomplete
	}
	text := string(b[:i])
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, nil, errors.Wrapf(ErrProtocol, "bad number %q", text)
		}
		return f, b[i:], nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrProtocol, "bad number %q", text)
	}
	return n, b[i:], nil
}

func truncate(b []byte) string {
	if len(b) > 32 {
		return string(b[:32]) + "..."
	}
	return string(b)
}

// Typed field accessors for decoded map payloads. Numeric fields arrive
// as int64 or float64 depending on how the daemon formatted them.

func mapField(v interface{}, key string) (interface{}, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	f, ok := m[key]
	return f, ok
}

func floatField(v interface{}, key string) (float64, bool) {
	f, ok := mapField(v, key)
	if !ok {
		return 0, false
	}
	switch n := f.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func intField(v interface{}, key string) (int64, bool) {
	f, ok := mapField(v, key)
	if !ok {
		return 0, false
	}
	switch n := f.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
