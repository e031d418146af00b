package ingester

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const timestampLayout = "2006-01-02 15:04:05"

var (
	linePattern     = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) \[(\w+)\] (\w+) (.+)$`)
	quotedPattern   = regexp.MustCompile(`(\w+)="([^"]*)"`)
	barePattern     = regexp.MustCompile(`(\w+)=(\S+)`)
	locationPattern = regexp.MustCompile(`location=\((\d+),(\d+)\)`)
	intPattern      = regexp.MustCompile(`^[+-]?\d+$`)
	floatPattern    = regexp.MustCompile(`^[+-]?(\d+\.\d*|\.\d+)([eE][+-]?\d+)?$|^[+-]?\d+[eE][+-]?\d+$`)
)

// ParsedEvent is one log line decoded into its header and payload.
type ParsedEvent struct {
	Timestamp time.Time
	Category  string
	EventType string
	Payload   Payload
}

// ParseLine decodes `YYYY-MM-DD HH:MM:SS [category] TYPE key=value ...`.
// The timestamp is read in loc (UTC when nil) and returned in UTC.
// Lines that do not match return false.
func ParseLine(line string, loc *time.Location) (ParsedEvent, bool) {
	line = strings.TrimRight(line, "\r\n")
	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return ParsedEvent{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	ts, err := time.ParseInLocation(timestampLayout, m[1], loc)
	if err != nil {
		return ParsedEvent{}, false
	}
	return ParsedEvent{
		Timestamp: ts.UTC(),
		Category:  m[2],
		EventType: m[3],
		Payload:   parsePayload(m[4]),
	}, true
}

func parsePayload(rest string) Payload {
	out := make(Payload)

	// Quoted spans are cut out before the bare scan so a bare token can
	// never start inside a quoted value.
	var bare strings.Builder
	last := 0
	for _, loc := range quotedPattern.FindAllStringSubmatchIndex(rest, -1) {
		key := rest[loc[2]:loc[3]]
		out[key] = coerce(rest[loc[4]:loc[5]])
		bare.WriteString(rest[last:loc[0]])
		bare.WriteByte(' ')
		last = loc[1]
	}
	bare.WriteString(rest[last:])

	for _, m := range barePattern.FindAllStringSubmatch(bare.String(), -1) {
		if _, quoted := out[m[1]]; quoted {
			continue
		}
		out[m[1]] = coerce(m[2])
	}

	if m := locationPattern.FindStringSubmatch(rest); m != nil {
		x, _ := strconv.ParseInt(m[1], 10, 64)
		y, _ := strconv.ParseInt(m[2], 10, 64)
		out["location"] = StringValue("(" + m[1] + "," + m[2] + ")")
		out["location_x"] = IntValue(x)
		out["location_y"] = IntValue(y)
	}
	return out
}

func coerce(raw string) Value {
	if intPattern.MatchString(raw) {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return IntValue(n)
		}
	}
	if floatPattern.MatchString(raw) {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return FloatValue(f)
		}
	}
	return StringValue(raw)
}
