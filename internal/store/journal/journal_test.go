package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndSince(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, typ := range []string{"RECONCILE", "BAR_CLOSE", "ORDER_RESULT"} {
		require.NoError(t, j.Append(ctx, Record{ID: typ, Type: typ, Symbol: "BTC/USDT", Payload: []byte(`{"n":1}`), At: at.Add(time.Duration(i) * time.Second)}))
	}

	all, err := j.Since(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "RECONCILE", all[0].Type)
	assert.Equal(t, `{"n":1}`, string(all[2].Payload))
	assert.True(t, all[1].At.Equal(at.Add(time.Second)))

	tail, err := j.Since(ctx, all[0].Seq, 10)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestInMemoryAndClose(t *testing.T) {
	j, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, j.Append(context.Background(), Record{ID: "x", Type: "UNFREEZE"}))
	recs, err := j.Since(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "{}", string(recs[0].Payload))

	require.NoError(t, j.Close())
	assert.Error(t, j.Append(context.Background(), Record{ID: "y", Type: "UNFREEZE"}))
}
