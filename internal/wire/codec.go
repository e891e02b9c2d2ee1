// Package wire implements the PostgreSQL v3 frame codec (spec.md §4.A):
// strictly non-blocking decode from a growing byte buffer, and the reverse
// encode direction. It builds message bodies on top of pgproto3's message
// types rather than hand-rolling field layout, the way teacher's
// participant/conn.go built a framing loop on top of bufio.Reader but
// delegated payload shape to a separate type (network.PaGossip).
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/jackc/pgproto3/v2"
)

// Phase tells the decoder which framing rules apply: before the startup
// handshake completes, frames carry no leading type byte.
type Phase int

const (
	// PhaseStartup expects an untagged StartupMessage, SSLRequest,
	// GSSENCRequest, or CancelRequest.
	PhaseStartup Phase = iota
	// PhaseNormal expects a one-byte tag followed by the length.
	PhaseNormal
)

// Direction distinguishes frontend (client->server) from backend
// (server->client) tagged messages, since both use the tag byte 'C' for
// different message kinds (Close vs CommandComplete).
type Direction int

const (
	Frontend Direction = iota
	Backend
)

// Special startup-phase codes (spec.md §4.A, §6).
const (
	ProtocolVersion3 = 196608 // (3 << 16) | 0
	SSLRequestCode   = 80877103
	GSSENCRequestCode = 80877104
	CancelRequestCode = 80877102
)

// ErrFrameTooLarge is a protocol error: length exceeds the configured
// maximum frame size (spec.md §4.A, §7 class 08).
type ErrFrameTooLarge struct {
	Length uint32
	Max    uint32
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("frame length %d exceeds maximum %d", e.Length, e.Max)
}

// ErrMalformedFrame is a protocol error: length < 4 or an invalid tag for
// the current phase.
type ErrMalformedFrame struct {
	Reason string
}

func (e *ErrMalformedFrame) Error() string { return "malformed frame: " + e.Reason }

// Decoded is the result of a successful Decode call.
type Decoded struct {
	// Tag is 0 for untagged startup-phase frames.
	Tag byte
	// Body is the frame payload, excluding the tag byte and the length
	// prefix.
	Body []byte
	// Consumed is the number of bytes of the input buffer this frame
	// occupied, so the caller can advance past it.
	Consumed int
}

// NeedMoreBytes is returned unwrapped when the buffer does not yet hold a
// complete frame. Want is the minimum number of additional bytes the
// caller should read before calling Decode again; it is a lower bound, not
// an exact requirement, mirroring spec.md §4.A's "need more bytes, with
// the number of bytes known to be insufficient" contract.
type NeedMoreBytes struct {
	Want int
}

func (e *NeedMoreBytes) Error() string {
	return fmt.Sprintf("need %d more bytes", e.Want)
}

// Decode attempts to parse exactly one frame from the front of buf. It
// never blocks and never re-parses more than the header on a short read.
func Decode(buf []byte, phase Phase, max uint32) (*Decoded, error) {
	if phase == PhaseStartup {
		return decodeUntagged(buf, max)
	}
	return decodeTagged(buf, max)
}

func decodeUntagged(buf []byte, max uint32) (*Decoded, error) {
	if len(buf) < 4 {
		return nil, &NeedMoreBytes{Want: 4 - len(buf)}
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length < 4 {
		return nil, &ErrMalformedFrame{Reason: "length prefix below minimum of 4"}
	}
	if length > max {
		return nil, &ErrFrameTooLarge{Length: length, Max: max}
	}
	total := int(length)
	if len(buf) < total {
		return nil, &NeedMoreBytes{Want: total - len(buf)}
	}
	return &Decoded{Tag: 0, Body: buf[4:total], Consumed: total}, nil
}

func decodeTagged(buf []byte, max uint32) (*Decoded, error) {
	if len(buf) < 5 {
		return nil, &NeedMoreBytes{Want: 5 - len(buf)}
	}
	tag := buf[0]
	length := binary.BigEndian.Uint32(buf[1:5])
	if length < 4 {
		return nil, &ErrMalformedFrame{Reason: "length prefix below minimum of 4"}
	}
	if length > max {
		return nil, &ErrFrameTooLarge{Length: length, Max: max}
	}
	total := 1 + int(length)
	if len(buf) < total {
		return nil, &NeedMoreBytes{Want: total - len(buf)}
	}
	return &Decoded{Tag: tag, Body: buf[5:total], Consumed: total}, nil
}

// DecodeFrontend builds the concrete pgproto3 frontend message for a
// tagged frame decoded with Decode(..., PhaseNormal, ...). Untagged
// startup-phase frames are handled separately by DecodeStartup, since
// their shape depends on the leading protocol/request code rather than a
// tag byte.
func DecodeFrontend(tag byte, body []byte) (pgproto3.FrontendMessage, error) {
	var msg pgproto3.FrontendMessage
	switch tag {
	case 'Q':
		msg = &pgproto3.Query{}
	case 'P':
		msg = &pgproto3.Parse{}
	case 'B':
		msg = &pgproto3.Bind{}
	case 'D':
		msg = &pgproto3.Describe{}
	case 'E':
		msg = &pgproto3.Execute{}
	case 'C':
		msg = &pgproto3.Close{}
	case 'S':
		msg = &pgproto3.Sync{}
	case 'H':
		msg = &pgproto3.Flush{}
	case 'X':
		msg = &pgproto3.Terminate{}
	case 'p':
		msg = &pgproto3.PasswordMessage{}
	case 'd':
		msg = &pgproto3.CopyData{}
	case 'c':
		msg = &pgproto3.CopyDone{}
	case 'f':
		msg = &pgproto3.CopyFail{}
	default:
		return nil, &ErrMalformedFrame{Reason: fmt.Sprintf("unknown frontend tag %q", tag)}
	}
	if err := msg.Decode(body); err != nil {
		return nil, fmt.Errorf("decode frontend message %q: %w", tag, err)
	}
	return msg, nil
}

// DecodeBackend builds the concrete pgproto3 backend message for a tagged
// frame read from the real PostgreSQL backend.
func DecodeBackend(tag byte, body []byte) (pgproto3.BackendMessage, error) {
	var msg pgproto3.BackendMessage
	switch tag {
	case 'R':
		msg = &pgproto3.AuthenticationOk{}
	case 'K':
		msg = &pgproto3.BackendKeyData{}
	case '2':
		msg = &pgproto3.BindComplete{}
	case '3':
		msg = &pgproto3.CloseComplete{}
	case 'C':
		msg = &pgproto3.CommandComplete{}
	case 'D':
		msg = &pgproto3.DataRow{}
	case 'I':
		msg = &pgproto3.EmptyQueryResponse{}
	case 'E':
		msg = &pgproto3.ErrorResponse{}
	case 'n':
		msg = &pgproto3.NoData{}
	case 'N':
		msg = &pgproto3.NoticeResponse{}
	case 't':
		msg = &pgproto3.ParameterDescription{}
	case 'S':
		msg = &pgproto3.ParameterStatus{}
	case '1':
		msg = &pgproto3.ParseComplete{}
	case 's':
		msg = &pgproto3.PortalSuspended{}
	case 'Z':
		msg = &pgproto3.ReadyForQuery{}
	case 'T':
		msg = &pgproto3.RowDescription{}
	default:
		return nil, &ErrMalformedFrame{Reason: fmt.Sprintf("unknown backend tag %q", tag)}
	}
	if err := msg.Decode(body); err != nil {
		return nil, fmt.Errorf("decode backend message %q: %w", tag, err)
	}
	return msg, nil
}

// Encode is the reverse direction: serialize any pgproto3 message back to
// wire bytes, appending to dst.
func Encode(dst []byte, msg interface{ Encode([]byte) []byte }) []byte {
	return msg.Encode(dst)
}
