package amazon

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
)

const (
	defaultBaseURL = "https://sellingpartnerapi-eu.amazon.com"

	// Amazon LWA token endpoint
	defaultTokenEndpoint = "https://api.amazon.com/auth/o2/token"
)

// AmazonClient implements MarketplaceAdapter for the Amazon Selling Partner
// API. Pagination uses opaque next tokens issued by the API.
type AmazonClient struct {
	httpClient    *http.Client
	baseURL       string
	tokenEndpoint string
	clientID      string
	clientSecret  string
	refreshToken  string
	sellerID      string
	marketplaceID string
	rateLimiter   *rate.Limiter
	breaker       *gobreaker.CircuitBreaker

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewAmazonClient creates a new SP-API client
func NewAmazonClient() *AmazonClient {
	return &AmazonClient{
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		baseURL:       defaultBaseURL,
		tokenEndpoint: defaultTokenEndpoint,
		rateLimiter:   rate.NewLimiter(rate.Limit(2), 1),
		breaker:       clients.NewBreaker("amazon"),
	}
}

// Type returns the marketplace type
func (c *AmazonClient) Type() models.MarketplaceType {
	return models.MarketplaceAmazon
}

// Initialize sets up the client with credentials and obtains an access token
func (c *AmazonClient) Initialize(ctx context.Context, credentials map[string]string) error {
	if c.clientID = credentials["client_id"]; c.clientID == "" {
		return fmt.Errorf("missing client_id")
	}
	if c.clientSecret = credentials["client_secret"]; c.clientSecret == "" {
		return fmt.Errorf("missing client_secret")
	}
	if c.refreshToken = credentials["refresh_token"]; c.refreshToken == "" {
		return fmt.Errorf("missing refresh_token")
	}
	if c.sellerID = credentials["seller_id"]; c.sellerID == "" {
		return fmt.Errorf("missing seller_id")
	}
	if c.marketplaceID = credentials["marketplace_id"]; c.marketplaceID == "" {
		return fmt.Errorf("missing marketplace_id")
	}
	if base := credentials["base_url"]; base != "" {
		c.baseURL = base
	}
	if endpoint := credentials["token_endpoint"]; endpoint != "" {
		c.tokenEndpoint = endpoint
	}

	if err := c.refreshAccessToken(ctx); err != nil {
		return fmt.Errorf("failed to obtain access token: %w", err)
	}
	return nil
}

// TestConnection verifies the connection is working
func (c *AmazonClient) TestConnection(ctx context.Context) error {
	params := url.Values{}
	params.Set("marketplaceIds", c.marketplaceID)
	_, err := c.doRequest(ctx, "GET", "/sellers/v1/marketplaceParticipations", params, nil)
	return err
}

// refreshAccessToken exchanges the LWA refresh token for a fresh access token
func (c *AmazonClient) refreshAccessToken(ctx context.Context) error {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-5*time.Minute)) {
		return nil
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", c.refreshToken)
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, "POST", c.tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return clients.WrapTransport("amazon token refresh", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return clients.WrapTransport("amazon token refresh", err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return &clients.AuthError{Op: "amazon token refresh", StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", string(body))}
		}
		return clients.ClassifyResponse("amazon token refresh", resp, body)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return fmt.Errorf("failed to parse token response: %w", err)
	}

	c.accessToken = tokenResp.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return nil
}

// FetchProducts fetches one page of listings
func (c *AmazonClient) FetchProducts(ctx context.Context, cursor string) (*clients.ProductPage, error) {
	params := url.Values{}
	params.Set("marketplaceIds", c.marketplaceID)
	params.Set("pageSize", "20")
	params.Set("includedData", "summaries,attributes,offers,fulfillmentAvailability")
	if cursor != "" {
		params.Set("pageToken", cursor)
	}

	body, err := c.doRequest(ctx, "GET", fmt.Sprintf("/listings/2021-08-01/items/%s", c.sellerID), params, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Items      []amazonListing `json:"items"`
		Pagination struct {
			NextToken string `json:"nextToken,omitempty"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse listings response: %w", err)
	}

	result := &clients.ProductPage{
		NextCursor: response.Pagination.NextToken,
		HasMore:    response.Pagination.NextToken != "",
	}
	for _, item := range response.Items {
		raw, skip := convertListing(item)
		if skip != nil {
			result.Skipped = append(result.Skipped, *skip)
			continue
		}
		result.Products = append(result.Products, *raw)
	}
	return result, nil
}

// FetchOrders fetches one page of orders. Line items come from a follow-up
// call per order, which is how the SP-API shapes the data.
func (c *AmazonClient) FetchOrders(ctx context.Context, cursor string) (*clients.OrderPage, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("NextToken", cursor)
	} else {
		params.Set("MarketplaceIds", c.marketplaceID)
		params.Set("CreatedAfter", time.Now().AddDate(0, -3, 0).Format(time.RFC3339))
	}

	body, err := c.doRequest(ctx, "GET", "/orders/v0/orders", params, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Payload struct {
			Orders    []amazonOrder `json:"Orders"`
			NextToken string        `json:"NextToken,omitempty"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse orders response: %w", err)
	}

	result := &clients.OrderPage{
		NextCursor: response.Payload.NextToken,
		HasMore:    response.Payload.NextToken != "",
	}
	for _, o := range response.Payload.Orders {
		raw, skip := convertOrder(o)
		if skip != nil {
			result.Skipped = append(result.Skipped, *skip)
			continue
		}
		items, err := c.fetchOrderItems(ctx, o.AmazonOrderID)
		if err != nil {
			if clients.IsSchema(err) {
				result.Skipped = append(result.Skipped, clients.SkippedRecord{RemoteID: o.AmazonOrderID, Reason: err.Error()})
				continue
			}
			return nil, err
		}
		raw.Items = items
		result.Orders = append(result.Orders, *raw)
	}
	return result, nil
}

func (c *AmazonClient) fetchOrderItems(ctx context.Context, orderID string) ([]clients.RawLineItem, error) {
	body, err := c.doRequest(ctx, "GET", fmt.Sprintf("/orders/v0/orders/%s/orderItems", orderID), nil, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Payload struct {
			OrderItems []struct {
				OrderItemID     string       `json:"OrderItemId"`
				SellerSKU       string       `json:"SellerSKU"`
				Title           string       `json:"Title"`
				QuantityOrdered int          `json:"QuantityOrdered"`
				ItemPrice       *amazonMoney `json:"ItemPrice"`
			} `json:"OrderItems"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse order items response: %w", err)
	}

	items := make([]clients.RawLineItem, 0, len(response.Payload.OrderItems))
	for _, item := range response.Payload.OrderItems {
		total := decimal.Zero
		if item.ItemPrice != nil {
			parsed, err := decimal.NewFromString(item.ItemPrice.Amount)
			if err != nil {
				return nil, &clients.SchemaError{RemoteID: item.OrderItemID, Field: "ItemPrice", Reason: "unparseable amount"}
			}
			total = parsed
		}
		unit := total
		if item.QuantityOrdered > 1 {
			unit = total.Div(decimal.NewFromInt(int64(item.QuantityOrdered)))
		}
		items = append(items, clients.RawLineItem{
			RemoteID:  item.OrderItemID,
			SKU:       item.SellerSKU,
			Name:      item.Title,
			Quantity:  item.QuantityOrdered,
			UnitPrice: unit,
			Total:     total,
		})
	}
	return items, nil
}

// FetchReturns fetches one page of return authorizations
func (c *AmazonClient) FetchReturns(ctx context.Context, cursor string) (*clients.ReturnPage, error) {
	params := url.Values{}
	params.Set("marketplaceIds", c.marketplaceID)
	if cursor != "" {
		params.Set("nextToken", cursor)
	}

	body, err := c.doRequest(ctx, "GET", "/returns/2021-06-30/returns", params, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Returns   []amazonReturn `json:"returns"`
		NextToken string         `json:"nextToken,omitempty"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse returns response: %w", err)
	}

	result := &clients.ReturnPage{
		NextCursor: response.NextToken,
		HasMore:    response.NextToken != "",
	}
	for _, r := range response.Returns {
		raw, skip := convertReturn(r)
		if skip != nil {
			result.Skipped = append(result.Skipped, *skip)
			continue
		}
		result.Returns = append(result.Returns, *raw)
	}
	return result, nil
}

// PushProductUpdate patches price and fulfillment availability on the listing
// and returns the submission ID
func (c *AmazonClient) PushProductUpdate(ctx context.Context, product *models.CanonicalProduct) (string, error) {
	sku := remoteSKUFor(product)
	if sku == "" {
		return "", &clients.SchemaError{RemoteID: product.ID.String(), Reason: "product has no amazon reference"}
	}

	payload := map[string]interface{}{
		"productType": "PRODUCT",
		"patches": []map[string]interface{}{
			{
				"op":   "replace",
				"path": "/attributes/purchasable_offer",
				"value": []map[string]interface{}{
					{
						"currency": product.Currency,
						"our_price": []map[string]interface{}{
							{"schedule": []map[string]interface{}{{"value_with_tax": product.Price}}},
						},
					},
				},
			},
			{
				"op":   "replace",
				"path": "/attributes/fulfillment_availability",
				"value": []map[string]interface{}{
					{"fulfillment_channel_code": "DEFAULT", "quantity": product.Stock},
				},
			},
		},
	}

	params := url.Values{}
	params.Set("marketplaceIds", c.marketplaceID)

	body, err := c.doRequest(ctx, "PATCH", fmt.Sprintf("/listings/2021-08-01/items/%s/%s", c.sellerID, sku), params, payload)
	if err != nil {
		return "", err
	}

	var response struct {
		SubmissionID string `json:"submissionId"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to parse push response: %w", err)
	}
	return response.SubmissionID, nil
}

// VerifyWebhook verifies the HMAC-SHA256 signature of a notification payload
func (c *AmazonClient) VerifyWebhook(payload []byte, signature string, secret string) error {
	if secret == "" {
		return fmt.Errorf("no webhook secret configured")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("invalid webhook signature")
	}
	return nil
}

// ParseWebhook parses an SP-API notification payload
func (c *AmazonClient) ParseWebhook(payload []byte) (*clients.WebhookEvent, error) {
	var event struct {
		NotificationID   string `json:"notificationId"`
		NotificationType string `json:"notificationType"`
		EventTime        string `json:"eventTime"`
		Payload          struct {
			Order *amazonOrder `json:"order,omitempty"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, &clients.SchemaError{Reason: fmt.Sprintf("malformed notification payload: %v", err)}
	}
	if event.Payload.Order == nil {
		return nil, &clients.SchemaError{RemoteID: event.NotificationID, Reason: "notification carries no resource"}
	}

	raw, skip := convertOrder(*event.Payload.Order)
	if skip != nil {
		return nil, &clients.SchemaError{RemoteID: skip.RemoteID, Reason: skip.Reason}
	}

	ts, _ := time.Parse(time.RFC3339, event.EventTime)
	return &clients.WebhookEvent{
		EventID:      event.NotificationID,
		EventType:    event.NotificationType,
		ResourceType: models.EntityOrder,
		Order:        raw,
		Timestamp:    ts,
	}, nil
}

// doRequest performs an authenticated HTTP request through the rate limiter
// and circuit breaker, refreshing the LWA token when close to expiry
func (c *AmazonClient) doRequest(ctx context.Context, method, path string, params url.Values, body interface{}) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.refreshAccessToken(ctx); err != nil {
		return nil, err
	}

	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, err
	}
	c.tokenMu.Lock()
	req.Header.Set("x-amz-access-token", c.accessToken)
	c.tokenMu.Unlock()
	req.Header.Set("Content-Type", "application/json")

	op := fmt.Sprintf("amazon %s %s", method, path)
	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, clients.WrapTransport(op, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, clients.WrapTransport(op, err)
		}
		if resp.StatusCode >= 400 {
			return nil, clients.ClassifyResponse(op, resp, respBody)
		}
		return respBody, nil
	})
	if err != nil {
		if clients.IsTransient(err) || clients.IsAuth(err) || clients.IsSchema(err) {
			return nil, err
		}
		return nil, clients.WrapTransport(op, err)
	}
	return result.([]byte), nil
}

func remoteSKUFor(product *models.CanonicalProduct) string {
	for _, ref := range product.Refs {
		if ref.Marketplace == models.MarketplaceAmazon {
			if ref.RemoteSKU != "" {
				return ref.RemoteSKU
			}
			return ref.RemoteID
		}
	}
	return ""
}

// Amazon data structures

type amazonMoney struct {
	CurrencyCode string `json:"CurrencyCode"`
	Amount       string `json:"Amount"`
}

type amazonListing struct {
	SKU       string `json:"sku"`
	Summaries []struct {
		ASIN            string    `json:"asin"`
		ItemName        string    `json:"itemName"`
		ProductType     string    `json:"productType"`
		Status          []string  `json:"status"`
		LastUpdatedDate time.Time `json:"lastUpdatedDate"`
	} `json:"summaries"`
	Offers []struct {
		Price struct {
			CurrencyCode string `json:"currencyCode"`
			Amount       string `json:"amount"`
		} `json:"price"`
	} `json:"offers"`
	FulfillmentAvailability []struct {
		Quantity int `json:"quantity"`
	} `json:"fulfillmentAvailability"`
}

type amazonOrder struct {
	AmazonOrderID string       `json:"AmazonOrderId"`
	OrderStatus   string       `json:"OrderStatus"`
	PurchaseDate  string       `json:"PurchaseDate"`
	OrderTotal    *amazonMoney `json:"OrderTotal"`
	BuyerInfo     struct {
		BuyerEmail string `json:"BuyerEmail"`
	} `json:"BuyerInfo"`
}

type amazonReturn struct {
	ReturnID      string       `json:"returnId"`
	AmazonOrderID string       `json:"amazonOrderId"`
	ReturnReason  string       `json:"returnReason"`
	RefundAmount  *amazonMoney `json:"refundAmount"`
	Status        string       `json:"status"`
	CreationDate  string       `json:"creationDate"`
}

// Status vocabulary mappings

var orderStatusMap = map[string]models.OrderStatus{
	"Pending":          models.OrderNew,
	"Unshipped":        models.OrderProcessing,
	"PartiallyShipped": models.OrderProcessing,
	"Shipped":          models.OrderShipped,
	"Delivered":        models.OrderDelivered,
	"Canceled":         models.OrderCanceled,
}

var returnStatusMap = map[string]models.ReturnStatus{
	"Created":  models.ReturnPending,
	"Approved": models.ReturnApproved,
	"Rejected": models.ReturnRejected,
	"Refunded": models.ReturnCompleted,
	"Closed":   models.ReturnCompleted,
}

func mapListingStatus(statuses []string) models.ProductStatus {
	for _, s := range statuses {
		switch s {
		case "BUYABLE", "DISCOVERABLE":
			return models.ProductActive
		}
	}
	return models.ProductPending
}

func convertListing(item amazonListing) (*clients.RawProduct, *clients.SkippedRecord) {
	if item.SKU == "" {
		return nil, &clients.SkippedRecord{Reason: "missing sku"}
	}
	if len(item.Summaries) == 0 {
		return nil, &clients.SkippedRecord{RemoteID: item.SKU, Reason: "missing summary"}
	}
	summary := item.Summaries[0]
	if summary.ItemName == "" {
		return nil, &clients.SkippedRecord{RemoteID: item.SKU, Reason: "missing item name"}
	}

	price := decimal.Zero
	currency := "EUR"
	if len(item.Offers) > 0 {
		parsed, err := decimal.NewFromString(item.Offers[0].Price.Amount)
		if err != nil {
			return nil, &clients.SkippedRecord{RemoteID: item.SKU, Reason: "unparseable price"}
		}
		price = parsed
		currency = item.Offers[0].Price.CurrencyCode
	}

	stock := 0
	if len(item.FulfillmentAvailability) > 0 {
		stock = item.FulfillmentAvailability[0].Quantity
	}

	return &clients.RawProduct{
		RemoteID:  summary.ASIN,
		SKU:       item.SKU,
		Name:      summary.ItemName,
		Category:  summary.ProductType,
		Price:     price,
		Currency:  currency,
		Stock:     stock,
		Status:    mapListingStatus(summary.Status),
		UpdatedAt: summary.LastUpdatedDate,
	}, nil
}

func convertOrder(o amazonOrder) (*clients.RawOrder, *clients.SkippedRecord) {
	if o.AmazonOrderID == "" {
		return nil, &clients.SkippedRecord{Reason: "missing order id"}
	}
	status, ok := orderStatusMap[o.OrderStatus]
	if !ok {
		return nil, &clients.SkippedRecord{RemoteID: o.AmazonOrderID, Reason: fmt.Sprintf("unknown order status %q", o.OrderStatus)}
	}

	total := decimal.Zero
	currency := ""
	if o.OrderTotal != nil {
		parsed, err := decimal.NewFromString(o.OrderTotal.Amount)
		if err != nil {
			return nil, &clients.SkippedRecord{RemoteID: o.AmazonOrderID, Reason: "unparseable order total"}
		}
		total = parsed
		currency = o.OrderTotal.CurrencyCode
	}

	placedAt, _ := time.Parse(time.RFC3339, o.PurchaseDate)
	return &clients.RawOrder{
		RemoteID: o.AmazonOrderID,
		Number:   o.AmazonOrderID,
		Customer: o.BuyerInfo.BuyerEmail,
		Total:    total,
		Currency: currency,
		Status:   status,
		PlacedAt: placedAt,
	}, nil
}

func convertReturn(r amazonReturn) (*clients.RawReturn, *clients.SkippedRecord) {
	if r.ReturnID == "" {
		return nil, &clients.SkippedRecord{Reason: "missing return id"}
	}
	if r.AmazonOrderID == "" {
		return nil, &clients.SkippedRecord{RemoteID: r.ReturnID, Reason: "missing order id"}
	}
	status, ok := returnStatusMap[r.Status]
	if !ok {
		return nil, &clients.SkippedRecord{RemoteID: r.ReturnID, Reason: fmt.Sprintf("unknown return status %q", r.Status)}
	}

	amount := decimal.Zero
	currency := ""
	if r.RefundAmount != nil {
		parsed, err := decimal.NewFromString(r.RefundAmount.Amount)
		if err != nil {
			return nil, &clients.SkippedRecord{RemoteID: r.ReturnID, Reason: "unparseable refund amount"}
		}
		amount = parsed
		currency = r.RefundAmount.CurrencyCode
	}

	placedAt, _ := time.Parse(time.RFC3339, r.CreationDate)
	return &clients.RawReturn{
		RemoteID:      r.ReturnID,
		OrderRemoteID: r.AmazonOrderID,
		Reason:        r.ReturnReason,
		Amount:        amount,
		Currency:      currency,
		Status:        status,
		PlacedAt:      placedAt,
	}, nil
}
