package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berryx/market-engine/internal/model"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedCharacter(t, ctx, s, "c1", "ace", true)

	p, err := s.GetPool(ctx, "c1")
	require.NoError(t, err)
	p.ReserveBerries = d("1")

	again, err := s.GetPool(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, again.ReserveBerries.Equal(d("100000")), "caller mutation leaked into the store")
}

func TestMemoryStore_SerializesTransactions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateWallet(ctx, &model.Wallet{UserID: "u1", BerriesBalance: d("0"), UpdatedAt: time.Now()}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(tx Tx) error {
				w, err := tx.LockWallet(ctx, "u1")
				if err != nil {
					return err
				}
				w.BerriesBalance = w.BerriesBalance.Add(d("1"))
				return tx.UpdateWallet(ctx, w)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	w, err := s.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, w.BerriesBalance.Equal(d("50")), "got %s", w.BerriesBalance)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := NewMemoryStore().InTx(ctx, func(tx Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
