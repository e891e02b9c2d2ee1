package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifiable-rds/interceptor/internal/block"
)

func TestAppendAndReplayRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chain")
	l, err := Open(dir, 0, nil)
	require.NoError(t, err)
	defer l.Close()

	rec := &block.Record{
		Number:     1,
		ParentRoot: [32]byte{},
		NewRoot:    [32]byte{1, 2, 3},
		Committer:  "operator-1",
	}
	require.NoError(t, l.Append(context.Background(), rec))

	var seen []uint64
	err = Replay(dir, func(number uint64, parentRoot, newRoot [32]byte, canonical, signature []byte) error {
		seen = append(seen, number)
		assert.Equal(t, rec.NewRoot, newRoot)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, seen)
}

type fakeRemote struct {
	published []*block.Record
	fail      bool
}

func (f *fakeRemote) Publish(ctx context.Context, r *block.Record) error {
	if f.fail {
		return assert.AnError
	}
	f.published = append(f.published, r)
	return nil
}

func TestAppendPublishesToRemote(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chain")
	remote := &fakeRemote{}
	l, err := Open(dir, time.Millisecond, remote)
	require.NoError(t, err)
	defer l.Close()

	rec := &block.Record{Number: 1, Committer: "operator-1"}
	require.NoError(t, l.Append(context.Background(), rec))
	require.Len(t, remote.published, 1)
	assert.Equal(t, uint64(1), remote.published[0].Number)
}

func TestAppendSurfacesRemotePublishError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chain")
	remote := &fakeRemote{fail: true}
	l, err := Open(dir, time.Millisecond, remote)
	require.NoError(t, err)
	defer l.Close()

	rec := &block.Record{Number: 1, Committer: "operator-1"}
	err = l.Append(context.Background(), rec)
	assert.Error(t, err)
}
