package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProductStatusTransitions(t *testing.T) {
	assert.True(t, ProductDraft.CanTransitionTo(ProductPending))
	assert.True(t, ProductPending.CanTransitionTo(ProductActive))
	assert.True(t, ProductPending.CanTransitionTo(ProductRejected))
	assert.True(t, ProductActive.CanTransitionTo(ProductRejected))

	assert.False(t, ProductDraft.CanTransitionTo(ProductActive))
	assert.False(t, ProductActive.CanTransitionTo(ProductDraft))
	assert.False(t, ProductRejected.CanTransitionTo(ProductActive))
	assert.False(t, ProductActive.CanTransitionTo(ProductActive))
}

func TestOrderStatusTransitions(t *testing.T) {
	assert.True(t, OrderNew.CanTransitionTo(OrderProcessing))
	assert.True(t, OrderNew.CanTransitionTo(OrderCanceled))
	assert.True(t, OrderProcessing.CanTransitionTo(OrderShipped))
	assert.True(t, OrderProcessing.CanTransitionTo(OrderCanceled))
	assert.True(t, OrderShipped.CanTransitionTo(OrderDelivered))

	// Cancellation is only reachable before shipment
	assert.False(t, OrderShipped.CanTransitionTo(OrderCanceled))
	assert.False(t, OrderDelivered.CanTransitionTo(OrderCanceled))

	// No moving backwards, terminal states stay terminal
	assert.False(t, OrderShipped.CanTransitionTo(OrderProcessing))
	assert.False(t, OrderDelivered.CanTransitionTo(OrderShipped))
	assert.False(t, OrderCanceled.CanTransitionTo(OrderProcessing))
}

func TestReturnStatusTransitions(t *testing.T) {
	assert.True(t, ReturnPending.CanTransitionTo(ReturnApproved))
	assert.True(t, ReturnPending.CanTransitionTo(ReturnRejected))
	assert.True(t, ReturnApproved.CanTransitionTo(ReturnCompleted))

	assert.False(t, ReturnPending.CanTransitionTo(ReturnCompleted))
	assert.False(t, ReturnRejected.CanTransitionTo(ReturnApproved))
	assert.False(t, ReturnCompleted.CanTransitionTo(ReturnPending))
}

func TestParseMarketplaceType(t *testing.T) {
	mp, err := ParseMarketplaceType("trendyol")
	assert.NoError(t, err)
	assert.Equal(t, MarketplaceTrendyol, mp)

	mp, err = ParseMarketplaceType(" AMAZON ")
	assert.NoError(t, err)
	assert.Equal(t, MarketplaceAmazon, mp)

	_, err = ParseMarketplaceType("ebay")
	assert.Error(t, err)
}
