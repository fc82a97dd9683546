package n11

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
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
)

const (
	defaultBaseURL = "https://api.n11.com/ms"
	pageSize       = 50
)

// N11Client implements MarketplaceAdapter for the N11 marketplace API.
// Authentication is header-based (appkey/appsecret); pagination is
// page-number based like Trendyol.
type N11Client struct {
	httpClient  *http.Client
	baseURL     string
	appKey      string
	appSecret   string
	rateLimiter *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
}

// NewN11Client creates a new N11 API client
func NewN11Client() *N11Client {
	return &N11Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		baseURL:     defaultBaseURL,
		rateLimiter: rate.NewLimiter(rate.Limit(3), 1),
		breaker:     clients.NewBreaker("n11"),
	}
}

// Type returns the marketplace type
func (c *N11Client) Type() models.MarketplaceType {
	return models.MarketplaceN11
}

// Initialize sets up the client with credentials
func (c *N11Client) Initialize(ctx context.Context, credentials map[string]string) error {
	if c.appKey = credentials["app_key"]; c.appKey == "" {
		return fmt.Errorf("missing app_key")
	}
	if c.appSecret = credentials["app_secret"]; c.appSecret == "" {
		return fmt.Errorf("missing app_secret")
	}
	if base := credentials["base_url"]; base != "" {
		c.baseURL = base
	}
	return nil
}

// TestConnection verifies the connection is working
func (c *N11Client) TestConnection(ctx context.Context) error {
	params := url.Values{}
	params.Set("page", "0")
	params.Set("size", "1")
	_, err := c.doRequest(ctx, "GET", "/product-query", params, nil)
	return err
}

// FetchProducts fetches one page of products
func (c *N11Client) FetchProducts(ctx context.Context, cursor string) (*clients.ProductPage, error) {
	page, err := parsePageCursor(cursor)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("size", strconv.Itoa(pageSize))

	body, err := c.doRequest(ctx, "GET", "/product-query", params, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Content    []n11Product `json:"content"`
		TotalPages int          `json:"totalPages"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse products response: %w", err)
	}

	result := &clients.ProductPage{}
	for _, p := range response.Content {
		raw, skip := convertProduct(p)
		if skip != nil {
			result.Skipped = append(result.Skipped, *skip)
			continue
		}
		result.Products = append(result.Products, *raw)
	}

	if page+1 < response.TotalPages {
		result.NextCursor = strconv.Itoa(page + 1)
		result.HasMore = true
	}
	return result, nil
}

// FetchOrders fetches one page of orders
func (c *N11Client) FetchOrders(ctx context.Context, cursor string) (*clients.OrderPage, error) {
	page, err := parsePageCursor(cursor)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("size", strconv.Itoa(pageSize))

	body, err := c.doRequest(ctx, "GET", "/order-query", params, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Content    []n11Order `json:"content"`
		TotalPages int        `json:"totalPages"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse orders response: %w", err)
	}

	result := &clients.OrderPage{}
	for _, o := range response.Content {
		raw, skip := convertOrder(o)
		if skip != nil {
			result.Skipped = append(result.Skipped, *skip)
			continue
		}
		result.Orders = append(result.Orders, *raw)
	}

	if page+1 < response.TotalPages {
		result.NextCursor = strconv.Itoa(page + 1)
		result.HasMore = true
	}
	return result, nil
}

// FetchReturns fetches one page of refund claims
func (c *N11Client) FetchReturns(ctx context.Context, cursor string) (*clients.ReturnPage, error) {
	page, err := parsePageCursor(cursor)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("size", strconv.Itoa(pageSize))

	body, err := c.doRequest(ctx, "GET", "/claim-query", params, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Content    []n11Claim `json:"content"`
		TotalPages int        `json:"totalPages"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse claims response: %w", err)
	}

	result := &clients.ReturnPage{}
	for _, cl := range response.Content {
		raw, skip := convertClaim(cl)
		if skip != nil {
			result.Skipped = append(result.Skipped, *skip)
			continue
		}
		result.Returns = append(result.Returns, *raw)
	}

	if page+1 < response.TotalPages {
		result.NextCursor = strconv.Itoa(page + 1)
		result.HasMore = true
	}
	return result, nil
}

// PushProductUpdate updates price and stock for the product's N11 listing and
// returns the task ID of the submission
func (c *N11Client) PushProductUpdate(ctx context.Context, product *models.CanonicalProduct) (string, error) {
	remoteID := ""
	for _, ref := range product.Refs {
		if ref.Marketplace == models.MarketplaceN11 {
			remoteID = ref.RemoteID
			break
		}
	}
	if remoteID == "" {
		return "", &clients.SchemaError{RemoteID: product.ID.String(), Reason: "product has no n11 reference"}
	}

	payload := map[string]interface{}{
		"productId":     remoteID,
		"salePrice":     product.Price,
		"stockQuantity": product.Stock,
	}

	body, err := c.doRequest(ctx, "POST", "/product/price-stock-update", nil, payload)
	if err != nil {
		return "", err
	}

	var response struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to parse push response: %w", err)
	}
	return response.TaskID, nil
}

// VerifyWebhook verifies the HMAC-SHA256 signature of a webhook payload
func (c *N11Client) VerifyWebhook(payload []byte, signature string, secret string) error {
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

// ParseWebhook parses an N11 webhook payload
func (c *N11Client) ParseWebhook(payload []byte) (*clients.WebhookEvent, error) {
	var event struct {
		EventID   string    `json:"eventId"`
		EventType string    `json:"eventType"`
		CreatedAt time.Time `json:"createdAt"`
		Order     *n11Order `json:"order,omitempty"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, &clients.SchemaError{Reason: fmt.Sprintf("malformed webhook payload: %v", err)}
	}
	if event.Order == nil {
		return nil, &clients.SchemaError{RemoteID: event.EventID, Reason: "webhook carries no resource"}
	}

	raw, skip := convertOrder(*event.Order)
	if skip != nil {
		return nil, &clients.SchemaError{RemoteID: skip.RemoteID, Reason: skip.Reason}
	}

	return &clients.WebhookEvent{
		EventID:      event.EventID,
		EventType:    event.EventType,
		ResourceType: models.EntityOrder,
		Order:        raw,
		Timestamp:    event.CreatedAt,
	}, nil
}

// doRequest performs an authenticated HTTP request through the rate limiter
// and circuit breaker
func (c *N11Client) doRequest(ctx context.Context, method, path string, params url.Values, body interface{}) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
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
	req.Header.Set("appkey", c.appKey)
	req.Header.Set("appsecret", c.appSecret)
	req.Header.Set("Content-Type", "application/json")

	op := fmt.Sprintf("n11 %s %s", method, path)
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

func parsePageCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	page, err := strconv.Atoi(cursor)
	if err != nil || page < 0 {
		return 0, &clients.SchemaError{Reason: fmt.Sprintf("invalid page cursor %q", cursor)}
	}
	return page, nil
}

// N11 data structures

type n11Product struct {
	ID            int64   `json:"id"`
	StockCode     string  `json:"stockCode"`
	Title         string  `json:"title"`
	CategoryName  string  `json:"categoryName"`
	SalePrice     float64 `json:"salePrice"`
	Currency      string  `json:"currency"`
	Quantity      int     `json:"quantity"`
	Status        string  `json:"status"`
	LastUpdatedAt string  `json:"lastUpdatedAt"`
}

type n11OrderItem struct {
	ID        int64   `json:"id"`
	StockCode string  `json:"stockCode"`
	Title     string  `json:"productTitle"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	TotalDue  float64 `json:"totalDue"`
}

type n11Order struct {
	ID          int64          `json:"id"`
	OrderNumber string         `json:"orderNumber"`
	Buyer       string         `json:"buyerEmail"`
	TotalAmount float64        `json:"totalAmount"`
	Currency    string         `json:"currency"`
	Status      string         `json:"status"`
	Items       []n11OrderItem `json:"orderItems"`
	CreatedAt   string         `json:"createdAt"`
}

type n11Claim struct {
	ID           int64   `json:"id"`
	OrderNumber  string  `json:"orderNumber"`
	Reason       string  `json:"claimReason"`
	RefundAmount float64 `json:"refundAmount"`
	Currency     string  `json:"currency"`
	Status       string  `json:"claimStatus"`
	CreatedAt    string  `json:"createdAt"`
}

// Status vocabulary mappings

var productStatusMap = map[string]models.ProductStatus{
	"WAITING_FOR_APPROVAL": models.ProductPending,
	"ACTIVE":               models.ProductActive,
	"SUSPENDED":            models.ProductRejected,
	"REJECTED":             models.ProductRejected,
	"PASSIVE":              models.ProductDraft,
}

var orderStatusMap = map[string]models.OrderStatus{
	"Created":   models.OrderNew,
	"Picking":   models.OrderProcessing,
	"Shipped":   models.OrderShipped,
	"Delivered": models.OrderDelivered,
	"Cancelled": models.OrderCanceled,
	"Rejected":  models.OrderCanceled,
}

var claimStatusMap = map[string]models.ReturnStatus{
	"OPEN":      models.ReturnPending,
	"ACCEPTED":  models.ReturnApproved,
	"REJECTED":  models.ReturnRejected,
	"COMPLETED": models.ReturnCompleted,
}

const n11TimeLayout = "02/01/2006 15:04:05"

func parseN11Time(s string) time.Time {
	t, err := time.Parse(n11TimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func convertProduct(p n11Product) (*clients.RawProduct, *clients.SkippedRecord) {
	if p.ID == 0 {
		return nil, &clients.SkippedRecord{RemoteID: p.StockCode, Reason: "missing product id"}
	}
	if p.Title == "" {
		return nil, &clients.SkippedRecord{RemoteID: strconv.FormatInt(p.ID, 10), Reason: "missing title"}
	}
	status, ok := productStatusMap[p.Status]
	if !ok {
		return nil, &clients.SkippedRecord{RemoteID: strconv.FormatInt(p.ID, 10), Reason: fmt.Sprintf("unknown product status %q", p.Status)}
	}

	currency := p.Currency
	if currency == "" {
		currency = "TRY"
	}

	return &clients.RawProduct{
		RemoteID:  strconv.FormatInt(p.ID, 10),
		SKU:       p.StockCode,
		Name:      p.Title,
		Category:  p.CategoryName,
		Price:     decimal.NewFromFloat(p.SalePrice),
		Currency:  currency,
		Stock:     p.Quantity,
		Status:    status,
		UpdatedAt: parseN11Time(p.LastUpdatedAt),
	}, nil
}

func convertOrder(o n11Order) (*clients.RawOrder, *clients.SkippedRecord) {
	if o.OrderNumber == "" {
		return nil, &clients.SkippedRecord{RemoteID: strconv.FormatInt(o.ID, 10), Reason: "missing order number"}
	}
	status, ok := orderStatusMap[o.Status]
	if !ok {
		return nil, &clients.SkippedRecord{RemoteID: o.OrderNumber, Reason: fmt.Sprintf("unknown order status %q", o.Status)}
	}

	items := make([]clients.RawLineItem, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, clients.RawLineItem{
			RemoteID:  strconv.FormatInt(item.ID, 10),
			SKU:       item.StockCode,
			Name:      item.Title,
			Quantity:  item.Quantity,
			UnitPrice: decimal.NewFromFloat(item.Price),
			Total:     decimal.NewFromFloat(item.TotalDue),
		})
	}

	return &clients.RawOrder{
		RemoteID: o.OrderNumber,
		Number:   o.OrderNumber,
		Customer: o.Buyer,
		Total:    decimal.NewFromFloat(o.TotalAmount),
		Currency: o.Currency,
		Status:   status,
		Items:    items,
		PlacedAt: parseN11Time(o.CreatedAt),
	}, nil
}

func convertClaim(cl n11Claim) (*clients.RawReturn, *clients.SkippedRecord) {
	if cl.ID == 0 {
		return nil, &clients.SkippedRecord{Reason: "missing claim id"}
	}
	if cl.OrderNumber == "" {
		return nil, &clients.SkippedRecord{RemoteID: strconv.FormatInt(cl.ID, 10), Reason: "missing order number"}
	}
	status, ok := claimStatusMap[cl.Status]
	if !ok {
		return nil, &clients.SkippedRecord{RemoteID: strconv.FormatInt(cl.ID, 10), Reason: fmt.Sprintf("unknown claim status %q", cl.Status)}
	}

	return &clients.RawReturn{
		RemoteID:      strconv.FormatInt(cl.ID, 10),
		OrderRemoteID: cl.OrderNumber,
		Reason:        cl.Reason,
		Amount:        decimal.NewFromFloat(cl.RefundAmount),
		Currency:      cl.Currency,
		Status:        status,
		PlacedAt:      parseN11Time(cl.CreatedAt),
	}, nil
}
