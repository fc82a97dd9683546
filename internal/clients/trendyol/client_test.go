package trendyol

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
)

func newTestClient(t *testing.T, handler http.Handler) *TrendyolClient {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewTrendyolClient()
	err := client.Initialize(context.Background(), map[string]string{
		"api_key":     "key",
		"api_secret":  "secret",
		"supplier_id": "777",
		"base_url":    server.URL,
	})
	require.NoError(t, err)
	return client
}

func TestFetchProductsPaginates(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/suppliers/777/products", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)

		page := r.URL.Query().Get("page")
		fmt.Fprintf(w, `{
			"content": [{"barcode": "B-%s", "title": "Product %s", "salePrice": 10.5,
				"currencyType": "TRY", "quantity": 3, "approved": true, "onSale": true}],
			"page": %s,
			"totalPages": 2
		}`, page, page, page)
	}))

	first, err := client.FetchProducts(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, first.Products, 1)
	assert.Equal(t, "B-0", first.Products[0].RemoteID)
	assert.True(t, first.HasMore)
	assert.Equal(t, "1", first.NextCursor)

	second, err := client.FetchProducts(context.Background(), first.NextCursor)
	require.NoError(t, err)
	require.Len(t, second.Products, 1)
	assert.Equal(t, "B-1", second.Products[0].RemoteID)
	assert.False(t, second.HasMore)
	assert.Empty(t, second.NextCursor)
}

func TestFetchProductsNormalizesStatusAndMoney(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"content": [
				{"barcode": "B1", "title": "Active", "salePrice": 99.90, "quantity": 5, "approved": true, "onSale": true},
				{"barcode": "B2", "title": "Waiting", "salePrice": 10, "approved": true, "onSale": false},
				{"barcode": "B3", "title": "Bad", "salePrice": 1, "rejected": true},
				{"barcode": "B4", "title": "Fresh", "salePrice": 1}
			],
			"page": 0, "totalPages": 1
		}`)
	}))

	page, err := client.FetchProducts(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Products, 4)

	assert.Equal(t, models.ProductActive, page.Products[0].Status)
	assert.True(t, page.Products[0].Price.Equal(decimal.RequireFromString("99.90")))
	assert.Equal(t, "TRY", page.Products[0].Currency)
	assert.Equal(t, models.ProductPending, page.Products[1].Status)
	assert.Equal(t, models.ProductRejected, page.Products[2].Status)
	assert.Equal(t, models.ProductDraft, page.Products[3].Status)
}

func TestFetchProductsSkipsMalformedRecords(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"content": [
				{"barcode": "", "stockCode": "SKU1", "title": "No barcode", "salePrice": 5},
				{"barcode": "B2", "title": "", "salePrice": 5},
				{"barcode": "B3", "title": "Negative", "salePrice": -1},
				{"barcode": "B4", "title": "Fine", "salePrice": 5}
			],
			"page": 0, "totalPages": 1
		}`)
	}))

	page, err := client.FetchProducts(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, page.Products, 1)
	require.Len(t, page.Skipped, 3)
	assert.Equal(t, "SKU1", page.Skipped[0].RemoteID)
	assert.Equal(t, "missing barcode", page.Skipped[0].Reason)
}

func TestFetchOrdersMapsStatusTable(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"content": [
				{"id": 1, "orderNumber": "TY-1", "status": "Created", "grossAmount": 50, "currencyCode": "TRY",
					"lines": [{"id": 11, "merchantSku": "SKU1", "productName": "Widget", "quantity": 2, "price": 25, "amount": 50}]},
				{"id": 2, "orderNumber": "TY-2", "status": "Shipped", "grossAmount": 10, "currencyCode": "TRY"},
				{"id": 3, "orderNumber": "TY-3", "status": "SomethingNew", "grossAmount": 10}
			],
			"page": 0, "totalPages": 1
		}`)
	}))

	page, err := client.FetchOrders(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Orders, 2)
	assert.Equal(t, models.OrderNew, page.Orders[0].Status)
	require.Len(t, page.Orders[0].Items, 1)
	assert.Equal(t, "SKU1", page.Orders[0].Items[0].SKU)
	assert.Equal(t, models.OrderShipped, page.Orders[1].Status)

	// Unknown status is a per-record skip, not a batch failure
	require.Len(t, page.Skipped, 1)
	assert.Equal(t, "TY-3", page.Skipped[0].RemoteID)
}

func TestFetchReturnsMapsClaims(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/suppliers/777/claims", r.URL.Path)
		fmt.Fprint(w, `{
			"content": [
				{"id": "C-1", "orderNumber": "TY-1", "claimStatus": "Accepted", "totalPrice": 25, "currencyCode": "TRY", "reasonName": "damaged"}
			],
			"page": 0, "totalPages": 1
		}`)
	}))

	page, err := client.FetchReturns(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Returns, 1)
	assert.Equal(t, "C-1", page.Returns[0].RemoteID)
	assert.Equal(t, "TY-1", page.Returns[0].OrderRemoteID)
	assert.Equal(t, models.ReturnApproved, page.Returns[0].Status)
	assert.Equal(t, "damaged", page.Returns[0].Reason)
}

func TestUnauthorizedIsAuthError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid credentials"}`, http.StatusUnauthorized)
	}))

	_, err := client.FetchProducts(context.Background(), "")
	assert.True(t, clients.IsAuth(err))
	assert.False(t, clients.IsTransient(err))
}

func TestRateLimitIsTransientWithRetryAfter(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))

	_, err := client.FetchProducts(context.Background(), "")
	assert.True(t, clients.IsTransient(err))
	assert.Equal(t, float64(3), clients.RetryAfterOf(err).Seconds())
}

func TestInvalidCursorIsSchemaError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be reached")
	}))

	_, err := client.FetchProducts(context.Background(), "not-a-page")
	assert.True(t, clients.IsSchema(err))
}

func TestPushProductUpdate(t *testing.T) {
	var received map[string]interface{}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/suppliers/777/products/price-and-inventory", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		fmt.Fprint(w, `{"batchRequestId": "batch-42"}`)
	}))

	product := &models.CanonicalProduct{
		Price:    decimal.RequireFromString("19.99"),
		Currency: "TRY",
		Stock:    7,
		Refs: []models.MarketplaceRef{
			{Marketplace: models.MarketplaceTrendyol, RemoteID: "B-9"},
		},
	}

	ref, err := client.PushProductUpdate(context.Background(), product)
	require.NoError(t, err)
	assert.Equal(t, "batch-42", ref)

	items := received["items"].([]interface{})
	item := items[0].(map[string]interface{})
	assert.Equal(t, "B-9", item["barcode"])
	assert.Equal(t, float64(7), item["quantity"])
}

func TestPushProductUpdateWithoutRef(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be reached")
	}))

	product := &models.CanonicalProduct{}
	_, err := client.PushProductUpdate(context.Background(), product)
	assert.True(t, clients.IsSchema(err))
}

func TestVerifyWebhook(t *testing.T) {
	client := NewTrendyolClient()
	payload := []byte(`{"eventId": "e1"}`)

	mac := hmac.New(sha256.New, []byte("whsec"))
	mac.Write(payload)
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.NoError(t, client.VerifyWebhook(payload, signature, "whsec"))
	assert.Error(t, client.VerifyWebhook(payload, signature, "other"))
	assert.Error(t, client.VerifyWebhook(payload, "bogus", "whsec"))
	assert.Error(t, client.VerifyWebhook(payload, signature, ""))
}

func TestParseWebhookOrder(t *testing.T) {
	client := NewTrendyolClient()
	payload := []byte(`{
		"eventId": "e1",
		"eventType": "order.updated",
		"timestamp": 1700000000000,
		"order": {"id": 5, "orderNumber": "TY-5", "status": "Delivered", "grossAmount": 12, "currencyCode": "TRY"}
	}`)

	event, err := client.ParseWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, "e1", event.EventID)
	assert.Equal(t, models.EntityOrder, event.ResourceType)
	require.NotNil(t, event.Order)
	assert.Equal(t, models.OrderDelivered, event.Order.Status)
}

func TestParseWebhookWithoutResource(t *testing.T) {
	client := NewTrendyolClient()
	_, err := client.ParseWebhook([]byte(`{"eventId": "e2", "eventType": "ping"}`))
	assert.True(t, clients.IsSchema(err))
}
