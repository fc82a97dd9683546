package trendyol

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
	defaultBaseURL = "https://api.trendyol.com/sapigw"
	pageSize       = 50
)

// TrendyolClient implements MarketplaceAdapter for Trendyol's supplier API.
// Pagination is page-number based; the opaque cursor is the decimal page
// number, empty meaning page zero.
type TrendyolClient struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	apiSecret   string
	supplierID  string
	rateLimiter *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
}

// NewTrendyolClient creates a new Trendyol supplier API client
func NewTrendyolClient() *TrendyolClient {
	return &TrendyolClient{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		baseURL:     defaultBaseURL,
		rateLimiter: rate.NewLimiter(rate.Limit(5), 2),
		breaker:     clients.NewBreaker("trendyol"),
	}
}

// Type returns the marketplace type
func (c *TrendyolClient) Type() models.MarketplaceType {
	return models.MarketplaceTrendyol
}

// Initialize sets up the client with credentials
func (c *TrendyolClient) Initialize(ctx context.Context, credentials map[string]string) error {
	if c.apiKey = credentials["api_key"]; c.apiKey == "" {
		return fmt.Errorf("missing api_key")
	}
	if c.apiSecret = credentials["api_secret"]; c.apiSecret == "" {
		return fmt.Errorf("missing api_secret")
	}
	if c.supplierID = credentials["supplier_id"]; c.supplierID == "" {
		return fmt.Errorf("missing supplier_id")
	}
	if base := credentials["base_url"]; base != "" {
		c.baseURL = base
	}
	return nil
}

// TestConnection verifies the connection is working
func (c *TrendyolClient) TestConnection(ctx context.Context) error {
	params := url.Values{}
	params.Set("page", "0")
	params.Set("size", "1")
	_, err := c.doRequest(ctx, "GET", fmt.Sprintf("/suppliers/%s/products", c.supplierID), params, nil)
	return err
}

// FetchProducts fetches one page of products
func (c *TrendyolClient) FetchProducts(ctx context.Context, cursor string) (*clients.ProductPage, error) {
	page, err := parsePageCursor(cursor)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("size", strconv.Itoa(pageSize))

	body, err := c.doRequest(ctx, "GET", fmt.Sprintf("/suppliers/%s/products", c.supplierID), params, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Content    []trendyolProduct `json:"content"`
		Page       int               `json:"page"`
		TotalPages int               `json:"totalPages"`
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

	if response.Page+1 < response.TotalPages {
		result.NextCursor = strconv.Itoa(response.Page + 1)
		result.HasMore = true
	}
	return result, nil
}

// FetchOrders fetches one page of orders
func (c *TrendyolClient) FetchOrders(ctx context.Context, cursor string) (*clients.OrderPage, error) {
	page, err := parsePageCursor(cursor)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("size", strconv.Itoa(pageSize))

	body, err := c.doRequest(ctx, "GET", fmt.Sprintf("/suppliers/%s/orders", c.supplierID), params, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Content    []trendyolOrder `json:"content"`
		Page       int             `json:"page"`
		TotalPages int             `json:"totalPages"`
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

	if response.Page+1 < response.TotalPages {
		result.NextCursor = strconv.Itoa(response.Page + 1)
		result.HasMore = true
	}
	return result, nil
}

// FetchReturns fetches one page of returns (claims in Trendyol terms)
func (c *TrendyolClient) FetchReturns(ctx context.Context, cursor string) (*clients.ReturnPage, error) {
	page, err := parsePageCursor(cursor)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("size", strconv.Itoa(pageSize))

	body, err := c.doRequest(ctx, "GET", fmt.Sprintf("/suppliers/%s/claims", c.supplierID), params, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Content    []trendyolClaim `json:"content"`
		Page       int             `json:"page"`
		TotalPages int             `json:"totalPages"`
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

	if response.Page+1 < response.TotalPages {
		result.NextCursor = strconv.Itoa(response.Page + 1)
		result.HasMore = true
	}
	return result, nil
}

// PushProductUpdate submits a price-and-inventory update and returns the
// batch request ID Trendyol assigns to the submission
func (c *TrendyolClient) PushProductUpdate(ctx context.Context, product *models.CanonicalProduct) (string, error) {
	barcode := remoteIDFor(product, models.MarketplaceTrendyol)
	if barcode == "" {
		return "", &clients.SchemaError{RemoteID: product.ID.String(), Reason: "product has no trendyol reference"}
	}

	payload := map[string]interface{}{
		"items": []map[string]interface{}{
			{
				"barcode":   barcode,
				"salePrice": product.Price,
				"listPrice": product.Price,
				"quantity":  product.Stock,
			},
		},
	}

	body, err := c.doRequest(ctx, "POST", fmt.Sprintf("/suppliers/%s/products/price-and-inventory", c.supplierID), nil, payload)
	if err != nil {
		return "", err
	}

	var response struct {
		BatchRequestID string `json:"batchRequestId"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to parse push response: %w", err)
	}
	return response.BatchRequestID, nil
}

// VerifyWebhook verifies the HMAC-SHA256 signature of a webhook payload
func (c *TrendyolClient) VerifyWebhook(payload []byte, signature string, secret string) error {
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

// ParseWebhook parses a Trendyol webhook payload
func (c *TrendyolClient) ParseWebhook(payload []byte) (*clients.WebhookEvent, error) {
	var event struct {
		EventID   string           `json:"eventId"`
		EventType string           `json:"eventType"`
		Timestamp int64            `json:"timestamp"`
		Order     *trendyolOrder   `json:"order,omitempty"`
		Product   *trendyolProduct `json:"product,omitempty"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, &clients.SchemaError{Reason: fmt.Sprintf("malformed webhook payload: %v", err)}
	}

	parsed := &clients.WebhookEvent{
		EventID:   event.EventID,
		EventType: event.EventType,
		Timestamp: time.UnixMilli(event.Timestamp),
	}

	switch {
	case event.Order != nil:
		raw, skip := convertOrder(*event.Order)
		if skip != nil {
			return nil, &clients.SchemaError{RemoteID: skip.RemoteID, Reason: skip.Reason}
		}
		parsed.ResourceType = models.EntityOrder
		parsed.Order = raw
	case event.Product != nil:
		raw, skip := convertProduct(*event.Product)
		if skip != nil {
			return nil, &clients.SchemaError{RemoteID: skip.RemoteID, Reason: skip.Reason}
		}
		parsed.ResourceType = models.EntityProduct
		parsed.Product = raw
	default:
		return nil, &clients.SchemaError{RemoteID: event.EventID, Reason: "webhook carries no resource"}
	}
	return parsed, nil
}

// doRequest performs an authenticated HTTP request through the rate limiter
// and circuit breaker
func (c *TrendyolClient) doRequest(ctx context.Context, method, path string, params url.Values, body interface{}) ([]byte, error) {
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
	req.SetBasicAuth(c.apiKey, c.apiSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.supplierID+" - SelfIntegration")

	op := fmt.Sprintf("trendyol %s %s", method, path)
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

func remoteIDFor(product *models.CanonicalProduct, mp models.MarketplaceType) string {
	for _, ref := range product.Refs {
		if ref.Marketplace == mp {
			return ref.RemoteID
		}
	}
	return ""
}

// Trendyol data structures

type trendyolProduct struct {
	Barcode        string  `json:"barcode"`
	Title          string  `json:"title"`
	StockCode      string  `json:"stockCode"`
	CategoryName   string  `json:"categoryName"`
	SalePrice      float64 `json:"salePrice"`
	CurrencyType   string  `json:"currencyType"`
	Quantity       int     `json:"quantity"`
	Approved       bool    `json:"approved"`
	Archived       bool    `json:"archived"`
	Rejected       bool    `json:"rejected"`
	OnSale         bool    `json:"onSale"`
	LastUpdateDate int64   `json:"lastUpdateDate"`
}

type trendyolLine struct {
	ID          int64   `json:"id"`
	Barcode     string  `json:"barcode"`
	ProductName string  `json:"productName"`
	MerchantSKU string  `json:"merchantSku"`
	Quantity    int     `json:"quantity"`
	Price       float64 `json:"price"`
	Amount      float64 `json:"amount"`
}

type trendyolOrder struct {
	ID            int64          `json:"id"`
	OrderNumber   string         `json:"orderNumber"`
	CustomerEmail string         `json:"customerEmail"`
	GrossAmount   float64        `json:"grossAmount"`
	CurrencyCode  string         `json:"currencyCode"`
	Status        string         `json:"status"`
	Lines         []trendyolLine `json:"lines"`
	OrderDate     int64          `json:"orderDate"`
}

type trendyolClaim struct {
	ID           string  `json:"id"`
	OrderNumber  string  `json:"orderNumber"`
	OrderID      int64   `json:"orderId"`
	Reason       string  `json:"reasonName"`
	TotalPrice   float64 `json:"totalPrice"`
	CurrencyCode string  `json:"currencyCode"`
	Status       string  `json:"claimStatus"`
	CreatedDate  int64   `json:"createdDate"`
}

// Status vocabulary mappings

var orderStatusMap = map[string]models.OrderStatus{
	"Created":     models.OrderNew,
	"Picking":     models.OrderProcessing,
	"Invoiced":    models.OrderProcessing,
	"Shipped":     models.OrderShipped,
	"Delivered":   models.OrderDelivered,
	"Cancelled":   models.OrderCanceled,
	"UnDelivered": models.OrderShipped,
}

var claimStatusMap = map[string]models.ReturnStatus{
	"Created":         models.ReturnPending,
	"WaitingInAction": models.ReturnPending,
	"Accepted":        models.ReturnApproved,
	"Rejected":        models.ReturnRejected,
	"Resolved":        models.ReturnCompleted,
}

func mapProductStatus(p trendyolProduct) models.ProductStatus {
	switch {
	case p.Rejected:
		return models.ProductRejected
	case p.Approved && p.OnSale:
		return models.ProductActive
	case p.Approved:
		return models.ProductPending
	default:
		return models.ProductDraft
	}
}

func convertProduct(p trendyolProduct) (*clients.RawProduct, *clients.SkippedRecord) {
	if p.Barcode == "" {
		return nil, &clients.SkippedRecord{RemoteID: p.StockCode, Reason: "missing barcode"}
	}
	if p.Title == "" {
		return nil, &clients.SkippedRecord{RemoteID: p.Barcode, Reason: "missing title"}
	}
	if p.SalePrice < 0 {
		return nil, &clients.SkippedRecord{RemoteID: p.Barcode, Reason: "negative price"}
	}

	currency := p.CurrencyType
	if currency == "" {
		currency = "TRY"
	}

	return &clients.RawProduct{
		RemoteID:  p.Barcode,
		SKU:       p.StockCode,
		Name:      p.Title,
		Category:  p.CategoryName,
		Price:     decimal.NewFromFloat(p.SalePrice),
		Currency:  currency,
		Stock:     p.Quantity,
		Status:    mapProductStatus(p),
		UpdatedAt: time.UnixMilli(p.LastUpdateDate),
	}, nil
}

func convertOrder(o trendyolOrder) (*clients.RawOrder, *clients.SkippedRecord) {
	if o.OrderNumber == "" {
		return nil, &clients.SkippedRecord{RemoteID: strconv.FormatInt(o.ID, 10), Reason: "missing order number"}
	}
	status, ok := orderStatusMap[o.Status]
	if !ok {
		return nil, &clients.SkippedRecord{RemoteID: o.OrderNumber, Reason: fmt.Sprintf("unknown order status %q", o.Status)}
	}

	items := make([]clients.RawLineItem, 0, len(o.Lines))
	for _, l := range o.Lines {
		items = append(items, clients.RawLineItem{
			RemoteID:  strconv.FormatInt(l.ID, 10),
			SKU:       l.MerchantSKU,
			Name:      l.ProductName,
			Quantity:  l.Quantity,
			UnitPrice: decimal.NewFromFloat(l.Price),
			Total:     decimal.NewFromFloat(l.Amount),
		})
	}

	return &clients.RawOrder{
		RemoteID: o.OrderNumber,
		Number:   o.OrderNumber,
		Customer: o.CustomerEmail,
		Total:    decimal.NewFromFloat(o.GrossAmount),
		Currency: o.CurrencyCode,
		Status:   status,
		Items:    items,
		PlacedAt: time.UnixMilli(o.OrderDate),
	}, nil
}

func convertClaim(cl trendyolClaim) (*clients.RawReturn, *clients.SkippedRecord) {
	if cl.ID == "" {
		return nil, &clients.SkippedRecord{Reason: "missing claim id"}
	}
	if cl.OrderNumber == "" {
		return nil, &clients.SkippedRecord{RemoteID: cl.ID, Reason: "missing order number"}
	}
	status, ok := claimStatusMap[cl.Status]
	if !ok {
		return nil, &clients.SkippedRecord{RemoteID: cl.ID, Reason: fmt.Sprintf("unknown claim status %q", cl.Status)}
	}

	return &clients.RawReturn{
		RemoteID:      cl.ID,
		OrderRemoteID: cl.OrderNumber,
		Reason:        cl.Reason,
		Amount:        decimal.NewFromFloat(cl.TotalPrice),
		Currency:      cl.CurrencyCode,
		Status:        status,
		PlacedAt:      time.UnixMilli(cl.CreatedDate),
	}, nil
}
