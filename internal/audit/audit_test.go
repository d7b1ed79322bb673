package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_ChainsEntries(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store)
	ctx := WithActor(context.Background(), ActorClient, "user_1")

	first, err := log.Record(ctx, TableAccounts, "create", "esc_1", nil, map[string]string{"status": "pending"})
	require.NoError(t, err)
	second, err := log.Record(ctx, TableAccounts, "activate", "esc_1",
		map[string]string{"status": "pending"}, map[string]string{"status": "active"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, GenesisHash, first.PreviousHash)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.Equal(t, ComputeHash(second), second.Hash)
	assert.Equal(t, ActorClient, second.ActorType)
	assert.Equal(t, "user_1", second.ActorID)
}

func TestRecord_DefaultsToSystemActor(t *testing.T) {
	log := NewLog(NewMemoryStore())
	e, err := log.Record(context.Background(), TableTransactions, "complete", "tx_1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ActorSystem, e.ActorType)
}

func TestVerify_ValidChain(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store)
	ctx := context.Background()
	for i := 0; i < 1200; i++ {
		_, err := log.Record(ctx, TableTransactions, "create", "tx", nil, map[string]int{"i": i})
		require.NoError(t, err)
	}

	res, err := log.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int64(1200), res.Checked)
}

func TestVerify_DetectsTamperedContent(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := log.Record(ctx, TableTransactions, "create", "tx", nil, map[string]int{"amount": 100})
		require.NoError(t, err)
	}

	store.entries[2].NewValues = json.RawMessage(`{"amount":1}`)

	res, err := log.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, int64(3), res.BrokenAt)
	assert.Contains(t, res.Reason, "hash_signature")
}

func TestVerify_DetectsRemovedEntry(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := log.Record(ctx, TableDisputes, "transition", "dsp_1", nil, map[string]int{"step": i})
		require.NoError(t, err)
	}

	store.entries = append(store.entries[:1], store.entries[2:]...)

	res, err := log.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, int64(3), res.BrokenAt)
	assert.Contains(t, res.Reason, "previous_hash")
}

func TestHistory(t *testing.T) {
	log := NewLog(NewMemoryStore())
	ctx := context.Background()
	_, _ = log.Record(ctx, TableMilestones, "start", "ms_1", nil, nil)
	_, _ = log.Record(ctx, TableMilestones, "start", "ms_2", nil, nil)
	_, _ = log.Record(ctx, TableMilestones, "submit", "ms_1", nil, nil)

	got, err := log.History(ctx, TableMilestones, "ms_1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "submit", got[0].Action)
	assert.Equal(t, "start", got[1].Action)
}

func TestComputeHash_CoversPreviousHash(t *testing.T) {
	a := &Entry{Table: "t", Action: "a", RecordID: "r", PreviousHash: GenesisHash}
	b := *a
	b.PreviousHash = "ff"
	assert.NotEqual(t, ComputeHash(a), ComputeHash(&b))
}
