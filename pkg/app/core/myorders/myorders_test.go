package myorders

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/democrit/pkg/app/core"
	"github.com/uhyunpark/democrit/pkg/storage"
)

func order(asset string, maxUnits core.Amount) core.Order {
	return core.Order{Asset: asset, Type: core.Ask, MaxUnits: maxUnits}.WithPrice(100)
}

type published struct {
	calls []core.OrdersOfAccount
}

func (p *published) publish(_ context.Context, o core.OrdersOfAccount) {
	p.calls = append(p.calls, o)
}

func (p *published) last() core.OrdersOfAccount {
	return p.calls[len(p.calls)-1]
}

func TestAddAndRemove(t *testing.T) {
	ctx := context.Background()
	pub := &published{}
	r, err := New(Config{
		Account: "alice",
		Validate: func(_ context.Context, account string, o core.Order) bool {
			return account == "alice" && o.Asset != "bad"
		},
		Publish: pub.publish,
	})
	require.NoError(t, err)

	id, err := r.Add(ctx, order("gold", 5))
	require.NoError(t, err)
	assert.Equal(t, "0", id)
	id, err = r.Add(ctx, order("silver", 1))
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	_, err = r.Add(ctx, order("bad", 1))
	assert.ErrorIs(t, err, core.ErrInvalidOrder)

	require.Len(t, pub.calls, 2)
	last := pub.last()
	assert.Equal(t, "alice", last.Account)
	require.Len(t, last.Orders, 2)
	assert.Equal(t, "alice", last.Orders["1"].Account)
	assert.Equal(t, "1", last.Orders["1"].ID)

	assert.True(t, r.RemoveByID(ctx, "0"))
	assert.False(t, r.RemoveByID(ctx, "0"))
	assert.Len(t, pub.last().Orders, 1)

	// IDs are never reused.
	id, err = r.Add(ctx, order("gold", 2))
	require.NoError(t, err)
	assert.Equal(t, "2", id)
	assert.Equal(t, []string{"1", "2"}, r.SortedIDs())
}

func TestLocking(t *testing.T) {
	ctx := context.Background()
	r, err := New(Config{Account: "alice"})
	require.NoError(t, err)
	id, err := r.Add(ctx, order("gold", 5))
	require.NoError(t, err)

	_, ok := r.TryLock("unknown")
	assert.False(t, ok)

	o, ok := r.TryLock(id)
	require.True(t, ok)
	assert.Equal(t, "alice", o.Account)
	assert.Equal(t, id, o.ID)
	assert.Equal(t, "gold", o.Asset)

	_, ok = r.TryLock(id)
	assert.False(t, ok, "second lock must fail")
	assert.True(t, r.GetOrders()[id].Locked)
	assert.Empty(t, r.Published().Orders)

	r.Unlock(id)
	assert.False(t, r.GetOrders()[id].Locked)
	_, ok = r.TryLock(id)
	assert.True(t, ok)

	r.Unlock("unknown")
}

func TestLockedIDs(t *testing.T) {
	ctx := context.Background()
	r, err := New(Config{Account: "alice"})
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		_, err := r.Add(ctx, order("gold", 1))
		require.NoError(t, err)
	}
	assert.Empty(t, r.LockedIDs())

	for _, id := range []string{"10", "2", "7"} {
		_, ok := r.TryLock(id)
		require.True(t, ok)
	}
	assert.Equal(t, []string{"2", "7", "10"}, r.LockedIDs())

	r.Unlock("7")
	assert.True(t, r.RemoveByID(ctx, "10"))
	assert.Equal(t, []string{"2"}, r.LockedIDs())
}

func TestLease(t *testing.T) {
	ctx := context.Background()
	r, err := New(Config{Account: "alice"})
	require.NoError(t, err)
	id, err := r.Add(ctx, order("gold", 5))
	require.NoError(t, err)

	t.Run("released on return", func(t *testing.T) {
		func() {
			lease, ok := Acquire(r, id)
			require.True(t, ok)
			defer lease.Release()
			assert.Equal(t, id, lease.Order().ID)
			_, again := Acquire(r, id)
			assert.False(t, again)
		}()
		assert.False(t, r.GetOrders()[id].Locked)
	})

	t.Run("released on panic", func(t *testing.T) {
		assert.Panics(t, func() {
			lease, ok := Acquire(r, id)
			require.True(t, ok)
			defer lease.Release()
			panic("boom")
		})
		assert.False(t, r.GetOrders()[id].Locked)
	})

	t.Run("kept", func(t *testing.T) {
		func() {
			lease, ok := Acquire(r, id)
			require.True(t, ok)
			defer lease.Release()
			lease.Keep()
		}()
		assert.True(t, r.GetOrders()[id].Locked)
	})

	t.Run("nil lease", func(t *testing.T) {
		var l *Lease
		assert.NotPanics(t, l.Release)
	})
}

func TestRefreshDropsInvalid(t *testing.T) {
	ctx := context.Background()
	valid := map[string]bool{"gold": true, "silver": true}
	pub := &published{}
	r, err := New(Config{
		Account:  "alice",
		Validate: func(_ context.Context, _ string, o core.Order) bool { return valid[o.Asset] },
		Publish:  pub.publish,
	})
	require.NoError(t, err)

	_, err = r.Add(ctx, order("gold", 1))
	require.NoError(t, err)
	silver, err := r.Add(ctx, order("silver", 1))
	require.NoError(t, err)

	valid["silver"] = false
	r.Refresh(ctx)
	assert.NotContains(t, r.GetOrders(), silver)
	assert.Len(t, pub.last().Orders, 1)
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := storage.NewPebbleStore(dir)
	require.NoError(t, err)

	r, err := New(Config{Account: "alice", Store: store})
	require.NoError(t, err)
	id, err := r.Add(ctx, order("gold", 5))
	require.NoError(t, err)
	_, ok := r.TryLock(id)
	require.True(t, ok)
	require.NoError(t, store.Close())

	store, err = storage.NewPebbleStore(dir)
	require.NoError(t, err)
	defer store.Close()

	// Locks survive a restart; the trade manager decides which of them
	// still belong to a trade.
	r, err = New(Config{Account: "alice", Store: store})
	require.NoError(t, err)
	orders := r.GetOrders()
	require.Contains(t, orders, id)
	assert.True(t, orders[id].Locked)
	assert.Equal(t, []string{id}, r.LockedIDs())

	r.Unlock(id)
	loaded, found, err := store.LoadOwnOrders()
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, loaded.Orders[id].Locked)

	next, err := r.Add(ctx, order("gold", 1))
	require.NoError(t, err)
	assert.Equal(t, "1", next)
}
