package wire

import (
	"testing"

	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/require"
)

func TestDecodeTaggedNeedsMoreBytes(t *testing.T) {
	_, err := Decode([]byte{'Q', 0, 0}, PhaseNormal, 1<<20)
	require.Error(t, err)
	var need *NeedMoreBytes
	require.ErrorAs(t, err, &need)
	require.Greater(t, need.Want, 0)
}

func TestDecodeTaggedFullQuery(t *testing.T) {
	q := &pgproto3.Query{String: "select 1"}
	frame := q.Encode(nil)

	decoded, err := Decode(frame, PhaseNormal, 1<<20)
	require.NoError(t, err)
	require.Equal(t, byte('Q'), decoded.Tag)
	require.Equal(t, len(frame), decoded.Consumed)

	msg, err := DecodeFrontend(decoded.Tag, decoded.Body)
	require.NoError(t, err)
	got, ok := msg.(*pgproto3.Query)
	require.True(t, ok)
	require.Equal(t, "select 1", got.String)
}

func TestDecodeRejectsOversizeFrame(t *testing.T) {
	q := &pgproto3.Query{String: "select 1"}
	frame := q.Encode(nil)

	_, err := Decode(frame, PhaseNormal, 2)
	require.Error(t, err)
	var tooLarge *ErrFrameTooLarge
	require.ErrorAs(t, err, &tooLarge)
}

func TestDecodeStartupMessage(t *testing.T) {
	sm := &pgproto3.StartupMessage{
		ProtocolVersion: ProtocolVersion3,
		Parameters: map[string]string{
			"user":     "alice",
			"database": "ledger",
		},
	}
	frame := sm.Encode(nil)

	decoded, err := Decode(frame, PhaseStartup, 1<<20)
	require.NoError(t, err)
	require.Equal(t, len(frame), decoded.Consumed)

	sf, err := DecodeStartup(decoded.Body)
	require.NoError(t, err)
	require.NotNil(t, sf.Startup)
	require.Equal(t, "alice", sf.Startup.Parameters["user"])
}

func TestDecodeCancelRequest(t *testing.T) {
	cr := &pgproto3.CancelRequest{ProcessID: 42, SecretKey: 99}
	frame := cr.Encode(nil)

	decoded, err := Decode(frame, PhaseStartup, 1<<20)
	require.NoError(t, err)

	sf, err := DecodeStartup(decoded.Body)
	require.NoError(t, err)
	require.NotNil(t, sf.Cancel)
	require.EqualValues(t, 42, sf.Cancel.ProcessID)
}
