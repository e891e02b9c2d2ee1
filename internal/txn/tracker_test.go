package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordWriteOnlyTriggersCaptureOnce(t *testing.T) {
	c := Begin()
	require.True(t, c.RecordWrite("accounts"))
	require.False(t, c.RecordWrite("accounts"))
	require.True(t, c.RecordWrite("orders"))
	require.ElementsMatch(t, []string{"accounts", "orders"}, c.TouchedTables())
}

func TestSavepointRollbackRestoresTouchedSet(t *testing.T) {
	c := Begin()
	c.RecordWrite("t")
	c.PushSavepoint("s")
	c.RecordWrite("u")
	require.ElementsMatch(t, []string{"t", "u"}, c.TouchedTables())

	require.NoError(t, c.RollbackTo("s"))
	require.ElementsMatch(t, []string{"t"}, c.TouchedTables())
}

func TestReleaseSavepointPopsDownToAndIncluding(t *testing.T) {
	c := Begin()
	c.PushSavepoint("a")
	c.PushSavepoint("b")
	require.NoError(t, c.Release("a"))
	require.Empty(t, c.savepoints)
}

func TestRollbackToUnknownSavepointIsUnderflow(t *testing.T) {
	c := Begin()
	err := c.RollbackTo("nope")
	require.Error(t, err)
	var underflow *ErrSavepointUnderflow
	require.ErrorAs(t, err, &underflow)
}

func TestTryFinishOnlySucceedsOnce(t *testing.T) {
	c := Begin()
	require.True(t, c.TryFinish())
	require.False(t, c.TryFinish())
}

func TestReconcileStatusDetectsDivergence(t *testing.T) {
	c := Begin()
	err := c.ReconcileStatus('I')
	require.Error(t, err)
	require.Equal(t, StateDiverged, c.State)
}

func TestReconcileStatusAcceptsConsistentState(t *testing.T) {
	c := Begin()
	require.NoError(t, c.ReconcileStatus('T'))
	require.NoError(t, c.ReconcileStatus('E'))
	require.Equal(t, StateFailed, c.State)
}

func TestRollbackToRecoversFromFailedState(t *testing.T) {
	c := Begin()
	c.PushSavepoint("s")
	require.NoError(t, c.ReconcileStatus('E')) // statement after the savepoint aborted
	require.Equal(t, StateFailed, c.State)

	require.NoError(t, c.RollbackTo("s"))
	require.Equal(t, StateOpen, c.State)
	// PostgreSQL reports 'T' again after ROLLBACK TO; this must not be
	// mistaken for divergence now that the tracker has recovered.
	require.NoError(t, c.ReconcileStatus('T'))
}
