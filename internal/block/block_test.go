package block

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifiable-rds/interceptor/internal/capture"
	"github.com/verifiable-rds/interceptor/internal/merkle"
	"github.com/verifiable-rds/interceptor/internal/signer"
	"github.com/verifiable-rds/interceptor/internal/txn"
)

type fakeLedger struct {
	appended []*Record
}

func (f *fakeLedger) Append(ctx context.Context, r *Record) error {
	f.appended = append(f.appended, r)
	return nil
}

// fakeReader always errors, exercising the "capture unavailable" path
// without needing a live backend connection.
type fakeReader struct{}

func (fakeReader) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return nil, assert.AnError
}

func noSchema(ctx context.Context, table string) (capture.Schema, error) {
	return capture.Schema{}, assert.AnError
}

func TestRecordTransactionSealsBlockAtCadenceOne(t *testing.T) {
	sg, err := signer.Generate("operator-1")
	require.NoError(t, err)
	ledger := &fakeLedger{}
	e := New("operator-1", sg, ledger, [32]byte{9}, 1)

	tx := txn.Begin()
	tx.RecordWrite("accounts")

	require.NoError(t, e.RecordTransaction(context.Background(), tx, fakeReader{}, noSchema))

	require.Len(t, ledger.appended, 1)
	sealed := ledger.appended[0]
	assert.Equal(t, uint64(1), sealed.Number)
	assert.Equal(t, "operator-1", sealed.Committer)
	require.Len(t, sealed.Transactions, 1)
	assert.Equal(t, "Failed", sealed.Transactions[0].Status)
	assert.NotEmpty(t, sealed.Signature)
}

func TestRecordTransactionBatchesUntilCadence(t *testing.T) {
	ledger := &fakeLedger{}
	e := New("operator-1", nil, ledger, [32]byte{}, 2)

	tx1 := txn.Begin()
	tx1.RecordWrite("accounts")
	require.NoError(t, e.RecordTransaction(context.Background(), tx1, nil, nil))
	assert.Empty(t, ledger.appended, "should not seal before cadence threshold")

	tx2 := txn.Begin()
	tx2.RecordWrite("orders")
	require.NoError(t, e.RecordTransaction(context.Background(), tx2, nil, nil))
	require.Len(t, ledger.appended, 1)
	assert.Len(t, ledger.appended[0].Transactions, 2)
}

func TestFlushSealsPartialBatch(t *testing.T) {
	ledger := &fakeLedger{}
	e := New("operator-1", nil, ledger, [32]byte{}, 10)

	tx := txn.Begin()
	tx.RecordWrite("accounts")
	require.NoError(t, e.RecordTransaction(context.Background(), tx, nil, nil))
	assert.Empty(t, ledger.appended)

	require.NoError(t, e.Flush(context.Background()))
	require.Len(t, ledger.appended, 1)

	require.NoError(t, e.Flush(context.Background()))
	assert.Len(t, ledger.appended, 1, "flushing an empty pending set is a no-op")
}

func TestSealGenesisMaterializesEmptyBlockOne(t *testing.T) {
	sg, err := signer.Generate("operator-1")
	require.NoError(t, err)
	ledger := &fakeLedger{}
	e := New("operator-1", sg, ledger, [32]byte{9}, 1)

	require.NoError(t, e.SealGenesis(context.Background()))

	require.Len(t, ledger.appended, 1)
	genesis := ledger.appended[0]
	assert.Equal(t, uint64(1), genesis.Number)
	assert.Equal(t, merkle.Digest{}, genesis.ParentRoot)
	assert.Equal(t, merkle.EmptyRoot(), genesis.NewRoot)
	assert.Empty(t, genesis.Transactions)
	assert.NotEmpty(t, genesis.Signature)
}

func TestSealGenesisIsNoOpAfterActivity(t *testing.T) {
	ledger := &fakeLedger{}
	e := New("operator-1", nil, ledger, [32]byte{}, 1)

	tx := txn.Begin()
	tx.RecordWrite("accounts")
	require.NoError(t, e.RecordTransaction(context.Background(), tx, nil, nil))
	require.Len(t, ledger.appended, 1)

	require.NoError(t, e.SealGenesis(context.Background()))
	assert.Len(t, ledger.appended, 1, "genesis seal after real activity must not seal a second block")
}

func TestSealedBlocksChainParentRoots(t *testing.T) {
	ledger := &fakeLedger{}
	e := New("operator-1", nil, ledger, [32]byte{}, 1)

	tx1 := txn.Begin()
	tx1.RecordWrite("accounts")
	require.NoError(t, e.RecordTransaction(context.Background(), tx1, nil, nil))

	tx2 := txn.Begin()
	tx2.RecordWrite("orders")
	require.NoError(t, e.RecordTransaction(context.Background(), tx2, nil, nil))

	require.Len(t, ledger.appended, 2)
	assert.Equal(t, ledger.appended[0].NewRoot, ledger.appended[1].ParentRoot)
	assert.NotEqual(t, ledger.appended[0].NewRoot, ledger.appended[1].NewRoot)
}
