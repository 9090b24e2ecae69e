// Package storetest holds behaviour checks shared by every TradeStore and StateStore.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketbot.com/internal/domain"
	"bracketbot.com/internal/model"
)

// NewOpenTrade builds a fully protected open trade.
func NewOpenTrade(id, strategy, instrument string, entryTime time.Time) *model.TradeRecord {
	return &model.TradeRecord{
		ID:            id,
		StrategyName:  strategy,
		Instrument:    instrument,
		Side:          model.SideLong,
		Quantity:      0.5,
		EntryPrice:    3000,
		StopPrice:     2950,
		TargetPrice:   3100,
		TxID:          "tx-" + id,
		EntryOrderID:  "entry-" + id,
		StopOrderID:   model.Ptr("stop-" + id),
		TargetOrderID: model.Ptr("target-" + id),
		Status:        model.TradeStatusOpen,
		EntryTime:     entryTime,
	}
}

// TradeStoreContract exercises create, update, get, query and count.
func TradeStoreContract(t *testing.T, store domain.TradeStore) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("create and get", func(t *testing.T) {
		tr := NewOpenTrade("t-1", "alpha", "ETH-PERP", base)
		require.NoError(t, store.Create(ctx, tr))

		got, err := store.Get(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, "alpha", got.StrategyName)
		assert.True(t, got.IsOpen())
		assert.True(t, got.HasProtection())
		assert.Equal(t, "entry-t-1", got.EntryOrderID)

		assert.Error(t, store.Create(ctx, NewOpenTrade("t-1", "alpha", "ETH-PERP", base)))
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("partial update closes", func(t *testing.T) {
		exit := base.Add(time.Hour)
		require.NoError(t, store.Update(ctx, "t-1", model.CloseUpdate(exit, 3100, model.ExitTargetHit, 50, 3.33)))

		got, err := store.Get(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, model.TradeStatusClosed, got.Status)
		require.NotNil(t, got.ExitReason)
		assert.Equal(t, model.ExitTargetHit, *got.ExitReason)
		require.NotNil(t, got.PnL)
		assert.InDelta(t, 50, *got.PnL, 1e-9)
		assert.Equal(t, "stop-t-1", *got.StopOrderID, "untouched fields survive")

		assert.ErrorIs(t, store.Update(ctx, "missing", model.TradeUpdate{Note: model.Ptr("x")}), domain.ErrNotFound)
	})

	t.Run("query filters and orders newest first", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, NewOpenTrade("t-2", "alpha", "ETH-PERP", base.Add(2*time.Hour))))
		require.NoError(t, store.Create(ctx, NewOpenTrade("t-3", "beta", "BTC-PERP", base.Add(3*time.Hour))))

		open, err := store.Query(ctx, model.TradeFilter{Status: model.TradeStatusOpen})
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, "t-3", open[0].ID)

		alpha, err := store.Query(ctx, model.TradeFilter{StrategyName: "alpha"})
		require.NoError(t, err)
		require.Len(t, alpha, 2)
		assert.Equal(t, "t-2", alpha[0].ID)

		limited, err := store.Query(ctx, model.TradeFilter{StrategyName: "alpha", Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "t-1", limited[0].ID)

		n, err := store.Count(ctx, model.TradeFilter{StrategyName: "alpha", Status: model.TradeStatusClosed})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("closed trades newest exit first", func(t *testing.T) {
		// long-running trade opened first but closed last
		require.NoError(t, store.Create(ctx, NewOpenTrade("x-1", "gamma", "ETH-PERP", base)))
		require.NoError(t, store.Create(ctx, NewOpenTrade("x-2", "gamma", "ETH-PERP", base.Add(time.Hour))))
		require.NoError(t, store.Update(ctx, "x-2", model.CloseUpdate(base.Add(2*time.Hour), 3010, model.ExitTargetHit, 10, 0.3)))
		require.NoError(t, store.Update(ctx, "x-1", model.CloseUpdate(base.Add(5*time.Hour), 2990, model.ExitStopHit, -10, -0.3)))

		closed, err := store.Query(ctx, model.TradeFilter{StrategyName: "gamma", Status: model.TradeStatusClosed})
		require.NoError(t, err)
		require.Len(t, closed, 2)
		assert.Equal(t, "x-1", closed[0].ID)
		assert.Equal(t, "x-2", closed[1].ID)

		all, err := store.Query(ctx, model.TradeFilter{StrategyName: "gamma"})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "x-2", all[0].ID, "unfiltered queries stay in entry order")
	})

	t.Run("concurrent writers", func(t *testing.T) {
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					id := fmt.Sprintf("c-%d-%d", w, i)
					tr := NewOpenTrade(id, fmt.Sprintf("worker-%d", w), fmt.Sprintf("I-%d", w), base)
					if assert.NoError(t, store.Create(ctx, tr)) {
						assert.NoError(t, store.Update(ctx, id, model.TradeUpdate{Note: model.Ptr("touched")}))
					}
				}
			}(w)
		}
		wg.Wait()
		for w := 0; w < 4; w++ {
			n, err := store.Count(ctx, model.TradeFilter{StrategyName: fmt.Sprintf("worker-%d", w)})
			require.NoError(t, err)
			assert.EqualValues(t, 10, n)
		}
	})
}

// StateStoreContract exercises save, load and delete.
func StateStoreContract(t *testing.T, store domain.StateStore) {
	ctx := context.Background()

	_, err := store.Load(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	until := time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)
	snap := &model.StrategySnapshot{
		StrategyName:  "alpha",
		Phase:         model.PhasePositionHeld,
		Instrument:    "ETH-PERP",
		ActiveTradeID: "t-1",
		CooldownUntil: &until,
		SignalMeta:    map[string]interface{}{"trigger": "breakout"},
		Version:       7,
	}
	require.NoError(t, store.Save(ctx, snap))

	got, err := store.Load(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, model.PhasePositionHeld, got.Phase)
	assert.Equal(t, "t-1", got.ActiveTradeID)
	assert.EqualValues(t, 7, got.Version)
	require.NotNil(t, got.CooldownUntil)
	assert.True(t, until.Equal(*got.CooldownUntil))
	assert.Equal(t, "breakout", got.SignalMeta["trigger"])

	snap.Phase = model.PhaseAnalyzing
	snap.ActiveTradeID = ""
	require.NoError(t, store.Save(ctx, snap))
	got, err = store.Load(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseAnalyzing, got.Phase)
	assert.True(t, got.Consistent())

	require.NoError(t, store.Delete(ctx, "alpha"))
	_, err = store.Load(ctx, "alpha")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, store.Delete(ctx, "alpha"))
}
