package hl7

import (
	"errors"
	"strings"
	"time"
)

const (
	ackApplication = "SIL_LAB"
	ackFacility    = "LAB"
	ackVersion     = "2.5.1"
	timestampFmt   = "20060102150405"

	// Acknowledgment codes (MSA-1)
	CodeAccept = "AA"
	CodeError  = "AE"
	CodeReject = "AR"
)

// nackControlID is echoed in every NACK instead of the inbound control id.
// Senders cannot correlate a NACK with the message that caused it.
const nackControlID = "0"

var escaper = strings.NewReplacer(
	EscapeCharacter, `\E\`,
	FieldSeparator, `\F\`,
	ComponentSeparator, `\S\`,
	SubcomponentSeparator, `\T\`,
	RepetitionSeparator, `\R\`,
	"\r", " ",
	"\n", " ",
)

// Escape encodes delimiter characters in free text so it can be placed in a
// single field.
func Escape(s string) string {
	return escaper.Replace(s)
}

// BuildACK builds the positive acknowledgment for msg. at is the time the
// reply is generated and is rendered in UTC.
func BuildACK(msg *Message, at time.Time) string {
	ts := at.UTC().Format(timestampFmt)
	msh := strings.Join([]string{
		"MSH", `^~\&`, ackApplication, ackFacility,
		msg.SendingApplication, msg.SendingFacility,
		ts, "", "ACK^" + msg.Type, ts, "P", ackVersion,
	}, FieldSeparator)
	msa := strings.Join([]string{"MSA", CodeAccept, msg.ControlID, "Message accepted", ""}, FieldSeparator)
	return msh + SegmentSeparator + msa
}

// BuildNACK builds the negative acknowledgment for err. msg is the inbound
// message as far as it could be parsed and may be nil; the NACK header is
// fixed and echoes none of its fields.
func BuildNACK(msg *Message, err error, at time.Time) string {
	ts := at.UTC().Format(timestampFmt)
	msh := strings.Join([]string{
		"MSH", `^~\&`, ackApplication, ackFacility,
		"ERROR", "ERROR",
		ts, "", "ACK", ts, "P", ackVersion,
	}, FieldSeparator)
	msa := strings.Join([]string{"MSA", CodeError, nackControlID, Escape(nackText(err)), ""}, FieldSeparator)
	return msh + SegmentSeparator + msa
}

func nackText(err error) string {
	if err == nil {
		return "Unknown error"
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == KindStoreWrite && e.Err != nil {
		return e.Error()
	}
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

// AckCode returns MSA-1 of a reply message, or "" when there is no MSA.
func AckCode(reply *Message) string {
	if msa := reply.Segment("MSA"); msa != nil {
		return msa.Value(1)
	}
	return ""
}
