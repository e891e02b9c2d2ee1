package session

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/require"

	"github.com/verifiable-rds/interceptor/internal/analyzer"
	"github.com/verifiable-rds/interceptor/internal/obs"
	"github.com/verifiable-rds/interceptor/internal/wire"
)

// sslRequestBytes builds the untagged 8-byte SSLRequest body libpq sends
// before any StartupMessage.
func sslRequestBytes() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], 8)
	binary.BigEndian.PutUint32(buf[4:8], wire.SSLRequestCode)
	return buf
}

func cancelRequestBytes(pid, secret uint32) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 16)
	binary.BigEndian.PutUint32(buf[4:8], wire.CancelRequestCode)
	binary.BigEndian.PutUint32(buf[8:12], pid)
	binary.BigEndian.PutUint32(buf[12:16], secret)
	return buf
}

func TestDoStartupRefusesSSLWithoutTLSConfig(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	s := New(serverConn, 1, nil, nil, nil, nil, analyzer.Options{}, nil, MethodCleartext, obs.Noop(), 1<<20, nil)

	done := make(chan error, 1)
	go func() { done <- s.doStartup(context.Background()) }()

	_, err := clientConn.Write(sslRequestBytes())
	require.NoError(t, err)

	resp := make([]byte, 1)
	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = clientConn.Read(resp)
	require.NoError(t, err)
	require.Equal(t, byte('N'), resp[0])

	// doStartup loops back to StartupExpected after refusing; closing the
	// client connection ends the blocked read and returns an error, which
	// is all this test needs to confirm the refusal path didn't hang or
	// panic.
	clientConn.Close()
	<-done
}

func TestHandleCancelRequestSignalsRegisteredSession(t *testing.T) {
	table := NewCancelTable()
	signaled := make(chan struct{}, 1)
	table.Register(CancelKey{BackendPID: 42, SecretKey: 99}, cancellerFunc(func() { signaled <- struct{}{} }))

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s := New(serverConn, 1, nil, table, nil, nil, analyzer.Options{}, nil, MethodCleartext, obs.Noop(), 1<<20, nil)

	done := make(chan error, 1)
	go func() { done <- s.doStartup(context.Background()) }()

	_, err := clientConn.Write(cancelRequestBytes(42, 99))
	require.NoError(t, err)

	select {
	case <-signaled:
	case <-time.After(time.Second):
		t.Fatal("cancel signal was not delivered")
	}
	require.NoError(t, <-done)
	require.Equal(t, Terminating, s.currentState())
}

type cancellerFunc func()

func (f cancellerFunc) RequestCancel() { f() }

func TestSendReadyForQueryReflectsState(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s := New(serverConn, 1, nil, nil, nil, nil, analyzer.Options{}, nil, MethodCleartext, obs.Noop(), 1<<20, nil)
	s.setState(InTransaction)

	go func() { _ = s.sendReadyForQuery() }()

	frame, err := readRawFrame(clientConn)
	require.NoError(t, err)
	msg, err := wire.DecodeBackend(frame.Tag, frame.Body)
	require.NoError(t, err)
	rfq, ok := msg.(*pgproto3.ReadyForQuery)
	require.True(t, ok)
	require.Equal(t, byte('T'), rfq.TxStatus)
}

func readRawFrame(conn net.Conn) (*wire.Decoded, error) {
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var buf []byte
	for {
		d, err := wire.Decode(buf, wire.PhaseNormal, 1<<20)
		if err == nil {
			return d, nil
		}
		need, ok := err.(*wire.NeedMoreBytes)
		if !ok {
			return nil, err
		}
		chunk := make([]byte, need.Want)
		if _, rerr := conn.Read(chunk); rerr != nil {
			return nil, rerr
		}
		buf = append(buf, chunk...)
	}
}
