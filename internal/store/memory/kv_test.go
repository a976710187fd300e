package memory

import (
	"context"
	"testing"

	"github.com/emperorhan/wallet-monitor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKV_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	kv := NewKV()

	_, err := kv.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	value := []byte(`{"a":1}`)
	require.NoError(t, kv.Set(ctx, "k", value))
	value[0] = 'X'

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got), "stored value is a copy")

	got[0] = 'Y'
	again, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(again), "returned value is a copy")

	require.NoError(t, kv.Delete(ctx, "k"))
	_, err = kv.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, kv.Len())
}

func TestStaticWalletRepo(t *testing.T) {
	ctx := context.Background()

	w, err := NewStaticWalletRepo("  ", "").GetWallet(ctx)
	require.NoError(t, err)
	assert.Nil(t, w)

	repo := NewStaticWalletRepo("0xAbC", "main")
	w, err = repo.GetWallet(ctx)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "0xAbC", w.Address)
	assert.Equal(t, "main", w.Label)

	w.Address = "mutated"
	w2, _ := repo.GetWallet(ctx)
	assert.Equal(t, "0xAbC", w2.Address)
}
