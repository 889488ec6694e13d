package cache_impl

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tumbleweedd/order_outbox/internal/domain/models"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
)

func TestCacheAddGet(t *testing.T) {
	c := NewCache(logger.Discard(), 2, time.Minute)

	first := models.Order{ID: uuid.New(), CustomerID: "a"}
	second := models.Order{ID: uuid.New(), CustomerID: "b"}
	third := models.Order{ID: uuid.New(), CustomerID: "c"}

	require.False(t, c.Add(first.ID, first))
	require.False(t, c.Add(second.ID, second))
	require.True(t, c.Add(third.ID, third))

	_, ok := c.Get(first.ID)
	require.False(t, ok)

	got, ok := c.Get(third.ID)
	require.True(t, ok)
	require.Equal(t, "c", got.CustomerID)
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(logger.Discard(), 2, 10*time.Millisecond)

	order := models.Order{ID: uuid.New()}
	c.Add(order.ID, order)

	require.Eventually(t, func() bool {
		_, ok := c.Get(order.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}
