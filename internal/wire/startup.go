package wire

import (
	"encoding/binary"

	"github.com/jackc/pgproto3/v2"
)

// StartupFrame is the decoded variant of an untagged startup-phase frame.
type StartupFrame struct {
	Startup *pgproto3.StartupMessage
	SSL     bool
	GSSEnc  bool
	Cancel  *pgproto3.CancelRequest
}

// DecodeStartup classifies and decodes an untagged frame body (as
// returned by Decode with PhaseStartup) by inspecting its leading code,
// per spec.md §4.B's StartupExpected transitions.
func DecodeStartup(body []byte) (*StartupFrame, error) {
	if len(body) < 4 {
		return nil, &ErrMalformedFrame{Reason: "startup body shorter than code field"}
	}
	code := binary.BigEndian.Uint32(body[0:4])
	switch code {
	case SSLRequestCode:
		return &StartupFrame{SSL: true}, nil
	case GSSENCRequestCode:
		return &StartupFrame{GSSEnc: true}, nil
	case CancelRequestCode:
		cr := &pgproto3.CancelRequest{}
		if err := cr.Decode(body); err != nil {
			return nil, err
		}
		return &StartupFrame{Cancel: cr}, nil
	default:
		sm := &pgproto3.StartupMessage{}
		if err := sm.Decode(body); err != nil {
			return nil, err
		}
		return &StartupFrame{Startup: sm}, nil
	}
}

// EncodeSSLResponse writes the single-byte SSLRequest reply: 'N' to
// refuse, 'S' to proceed with TLS negotiation (spec.md §6).
func EncodeSSLResponse(accept bool) []byte {
	if accept {
		return []byte{'S'}
	}
	return []byte{'N'}
}
