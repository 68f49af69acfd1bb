package hl7

import (
	"strings"
	"time"
)

// HL7 v2 "pipe and hat" delimiters. Repetition and escape characters are
// recognised on the wire but fields are not split on them.
const (
	SegmentSeparator      = "\r"
	FieldSeparator        = "|"
	ComponentSeparator    = "^"
	RepetitionSeparator   = "~"
	EscapeCharacter       = "\\"
	SubcomponentSeparator = "&"
)

// Message is the structured form of one HL7 message.
type Message struct {
	Type               string // canonical TYPE^TRIGGER, e.g. "ORU^R01"
	SendingApplication string
	SendingFacility    string
	ControlID          string
	Segments           []Segment
	Raw                string
}

// Segment is one named line of a message. Fields[0] holds the token right
// after the segment name, so for MSH the positions run one behind the
// standard numbering: FieldAt(2) is MSH-3 and FieldAt(9) is MSH-10.
type Segment struct {
	Name   string
	Fields []Field
}

// Field is a single field value with its component and sub-component splits.
type Field struct {
	Value         string
	Components    []string
	Subcomponents [][]string
}

// Parse decodes raw pipe-delimited text. It never fails: missing header
// fields come back as empty strings and segments are built from whatever
// delimiter structure exists.
func Parse(raw string) *Message {
	msg := &Message{Raw: raw}

	for _, line := range strings.Split(raw, SegmentSeparator) {
		// tolerate CRLF-terminated segments
		line = strings.TrimLeft(line, "\n")
		if line == "" {
			continue
		}
		msg.Segments = append(msg.Segments, parseSegment(line))
	}

	if msh := msg.Segment("MSH"); msh != nil {
		msg.Type = canonicalType(msh.Field(8))
		msg.SendingApplication = msh.Value(2)
		msg.SendingFacility = msh.Value(3)
		msg.ControlID = msh.Value(9)
	}

	return msg
}

func parseSegment(line string) Segment {
	tokens := strings.Split(line, FieldSeparator)
	seg := Segment{
		Name:   tokens[0],
		Fields: make([]Field, 0, len(tokens)-1),
	}
	for _, token := range tokens[1:] {
		seg.Fields = append(seg.Fields, parseField(token))
	}
	return seg
}

func parseField(raw string) Field {
	components := strings.Split(raw, ComponentSeparator)
	subcomponents := make([][]string, len(components))
	for i, c := range components {
		subcomponents[i] = strings.Split(c, SubcomponentSeparator)
	}
	return Field{
		Value:         raw,
		Components:    components,
		Subcomponents: subcomponents,
	}
}

// canonicalType reduces a message type field to TYPE^TRIGGER, dropping a
// trailing message structure component such as ORU_R01.
func canonicalType(f Field) string {
	code := f.Component(1)
	if code == "" {
		return ""
	}
	if trigger := f.Component(2); trigger != "" {
		return code + ComponentSeparator + trigger
	}
	return code
}

// Segment returns the first segment with the given name, or nil.
func (m *Message) Segment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// SegmentNames lists segment names in message order.
func (m *Message) SegmentNames() []string {
	names := make([]string, len(m.Segments))
	for i, seg := range m.Segments {
		names[i] = seg.Name
	}
	return names
}

// FieldAt returns the field at 1-based position n.
func (s Segment) FieldAt(n int) (Field, bool) {
	if n < 1 || n > len(s.Fields) {
		return Field{}, false
	}
	return s.Fields[n-1], true
}

// Field is FieldAt without the presence flag; absent fields are zero.
func (s Segment) Field(n int) Field {
	f, _ := s.FieldAt(n)
	return f
}

// Value returns the raw text of field n, or "" when absent.
func (s Segment) Value(n int) string {
	return s.Field(n).Value
}

// Component returns component c (1-based) of field n, or "" when absent.
func (s Segment) Component(n, c int) string {
	return s.Field(n).Component(c)
}

// Component returns the 1-based component c, or "" when absent.
func (f Field) Component(c int) string {
	if c < 1 || c > len(f.Components) {
		return ""
	}
	return f.Components[c-1]
}

// Subcomponent returns sub-component s of component c, both 1-based.
func (f Field) Subcomponent(c, s int) string {
	if c < 1 || c > len(f.Subcomponents) {
		return ""
	}
	subs := f.Subcomponents[c-1]
	if s < 1 || s > len(subs) {
		return ""
	}
	return subs[s-1]
}

// ParseTimestamp reads an HL7 DTM value (YYYYMMDD[HHMM[SS]]). Fractions and
// offsets after the seconds are ignored.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	var (
		t   time.Time
		err error
	)
	switch {
	case len(s) >= 14:
		t, err = time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		t, err = time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		t, err = time.Parse("20060102", s[:8])
	default:
		return time.Time{}, false
	}
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
