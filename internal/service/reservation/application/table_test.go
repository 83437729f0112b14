package application

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockhold/internal/service/reservation/domain"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestTableSetAndRemove(t *testing.T) {
	tb := NewTable()

	assert.Equal(t, uint(0), tb.Set("cart-a", "sku-1", 3, t0))
	assert.Equal(t, uint(0), tb.Set("cart-a", "sku-2", 1, t0.Add(time.Hour)))
	assert.Equal(t, uint(3), tb.Quantity("cart-a", "sku-1"))

	at, ok := tb.ExpiresAt("cart-a")
	require.True(t, ok)
	assert.Equal(t, t0, at, "expiry is only taken from the first reservation of a cart")

	assert.Equal(t, []string{"sku-1", "sku-2"}, tb.CartProducts("cart-a"))
	assert.Equal(t, 1, tb.Len())

	assert.Equal(t, uint(3), tb.Set("cart-a", "sku-1", 0, time.Time{}))
	assert.Equal(t, uint(1), tb.Set("cart-a", "sku-2", 0, time.Time{}))

	_, ok = tb.Cart("cart-a")
	assert.False(t, ok)
	assert.Equal(t, 0, tb.Len())
	assert.Empty(t, tb.Due(t0.Add(24*time.Hour), 0), "removed carts leave the expiry index")
	assert.Empty(t, tb.ProductReservations("sku-1"))
}

func TestTableProductIndexSnapshots(t *testing.T) {
	tb := NewTable()
	tb.Set("cart-a", "sku-1", 2, t0)
	snap := tb.ProductReservations("sku-1")

	tb.Set("cart-b", "sku-1", 5, t0)
	tb.Set("cart-a", "sku-1", 1, t0)

	assert.Equal(t, map[string]uint{"cart-a": 2}, snap, "earlier snapshot is not mutated")
	assert.Equal(t, map[string]uint{"cart-a": 1, "cart-b": 5}, tb.ProductReservations("sku-1"))
}

func TestTableDueIsStrictAndOrdered(t *testing.T) {
	tb := NewTable()
	tb.Set("cart-late", "sku-1", 1, t0.Add(2*time.Minute))
	tb.Set("cart-early", "sku-1", 1, t0)
	tb.Set("cart-mid", "sku-2", 1, t0.Add(time.Minute))

	assert.Empty(t, tb.Due(t0, 0), "expiresAt == now is not yet due")
	assert.Equal(t, []string{"cart-early"}, tb.Due(t0.Add(time.Nanosecond), 0))
	assert.Equal(t, []string{"cart-early", "cart-mid", "cart-late"}, tb.Due(t0.Add(time.Hour), 0))
	assert.Equal(t, []string{"cart-early", "cart-mid"}, tb.Due(t0.Add(time.Hour), 2))
}

func TestTableSetExpiryMovesIndex(t *testing.T) {
	tb := NewTable()
	assert.False(t, tb.SetExpiry("ghost", t0))

	tb.Set("cart-a", "sku-1", 1, t0)
	require.True(t, tb.SetExpiry("cart-a", t0.Add(time.Hour)))

	assert.Empty(t, tb.Due(t0.Add(time.Minute), 0))
	assert.Equal(t, []string{"cart-a"}, tb.Due(t0.Add(2*time.Hour), 0))

	view, ok := tb.Cart("cart-a")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), view.ExpiresAt)
	assert.Equal(t, t0.Add(time.Hour), view.Reservations[0].ExpiresAt)
}

func TestTableCartRecreatedAfterRemoval(t *testing.T) {
	tb := NewTable()
	tb.Set("cart-a", "sku-1", 1, t0)
	tb.Set("cart-a", "sku-1", 0, time.Time{})
	tb.Set("cart-a", "sku-1", 4, t0.Add(time.Hour))

	at, ok := tb.ExpiresAt("cart-a")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), at)
	assert.Equal(t, []string{"cart-a"}, tb.Due(t0.Add(2*time.Hour), 0))
	assert.Empty(t, tb.Due(t0.Add(30*time.Minute), 0))
}

func TestTableReplace(t *testing.T) {
	tb := NewTable()
	tb.Set("cart-a", "sku-1", 2, t0)
	tb.Set("cart-a", "sku-2", 1, t0)

	later := t0.Add(time.Hour)
	tb.Replace(domain.CartView{
		CartID:    "cart-a",
		ExpiresAt: later,
		Reservations: []domain.Reservation{
			{CartID: "cart-a", ProductID: "sku-2", Quantity: 4, ExpiresAt: later},
			{CartID: "cart-a", ProductID: "sku-3", Quantity: 1, ExpiresAt: later},
		},
	})

	assert.Equal(t, []string{"sku-2", "sku-3"}, tb.CartProducts("cart-a"))
	assert.Equal(t, uint(4), tb.Quantity("cart-a", "sku-2"))
	assert.Empty(t, tb.ProductReservations("sku-1"))
	at, ok := tb.ExpiresAt("cart-a")
	require.True(t, ok)
	assert.Equal(t, later, at)
	assert.Empty(t, tb.Due(later, 0))
	assert.Equal(t, []string{"cart-a"}, tb.Due(later.Add(time.Second), 0))

	tb.Replace(domain.CartView{CartID: "cart-a"})
	assert.Equal(t, 0, tb.Len())
	assert.Empty(t, tb.Due(later.Add(time.Second), 0))
}
