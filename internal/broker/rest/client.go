// Package rest talks to the broker's JSON order API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sayujks0071/antidhan-sub001/internal/broker"
	"github.com/sayujks0071/antidhan-sub001/internal/models"
	"github.com/shopspring/decimal"
)

// TokenSource supplies the current session token on every request.
type TokenSource interface {
	Token() string
}

type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

func New(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

type placeResponse struct {
	OrderID string `json:"order_id"`
}

type orderDTO struct {
	OrderID        string          `json:"order_id"`
	Tag            string          `json:"tag"`
	Status         string          `json:"status"`
	Quantity       int64           `json:"quantity"`
	FilledQuantity int64           `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	StatusMessage  string          `json:"status_message"`
}

func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	var out placeResponse
	if err := c.doRequest(ctx, http.MethodPost, "/orders", req, &out); err != nil {
		return "", err
	}
	if out.OrderID == "" {
		return "", fmt.Errorf("place order: broker returned no order id: %w", broker.ErrTransient)
	}
	return out.OrderID, nil
}

func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/orders/"+url.PathEscape(brokerOrderID), nil, nil)
}

func (c *Client) ListOrders(ctx context.Context) ([]models.BrokerOrder, error) {
	var rows []orderDTO
	if err := c.doRequest(ctx, http.MethodGet, "/orders", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]models.BrokerOrder, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.BrokerOrder{
			BrokerOrderID:  r.OrderID,
			ClientOrderID:  r.Tag,
			Status:         MapStatus(r.Status, r.FilledQuantity, r.Quantity),
			Quantity:       r.Quantity,
			FilledQuantity: r.FilledQuantity,
			AveragePrice:   r.AveragePrice,
			StatusMessage:  r.StatusMessage,
		})
	}
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &broker.APIError{Kind: broker.ErrTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &broker.APIError{Kind: broker.ErrTransient, StatusCode: resp.StatusCode, Message: "read response: " + err.Error()}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 400 {
			return classify(resp.StatusCode, "", strings.TrimSpace(string(data)))
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 || env.Status == "error" {
		return classify(resp.StatusCode, env.ErrorType, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// classify maps an HTTP status and broker error type onto the gateway taxonomy.
func classify(status int, errorType, message string) error {
	kind := broker.ErrTransient
	switch {
	case errorType == "TokenException" || status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = broker.ErrAuth
	case status == http.StatusConflict || errorType == "DuplicateException":
		kind = broker.ErrDuplicate
	case status == http.StatusNotFound:
		kind = broker.ErrNotFound
	case errorType == "NetworkException" || status == http.StatusTooManyRequests || status >= 500:
		kind = broker.ErrTransient
	case errorType == "OrderException" || errorType == "InputException" || errorType == "MarginException" ||
		(status >= 400 && status < 500):
		kind = broker.ErrRejected
	}
	return &broker.APIError{Kind: kind, StatusCode: status, ErrorType: errorType, Message: message}
}

// MapStatus converts a broker order status string into an OrderStatus. Orders
// still working with a partial fill are reported PARTIAL.
func MapStatus(raw string, filled, quantity int64) models.OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "COMPLETE":
		return models.OrderStatusComplete
	case "CANCELLED":
		return models.OrderStatusCancelled
	case "REJECTED":
		return models.OrderStatusRejected
	case "OPEN", "TRIGGER PENDING", "MODIFY PENDING", "MODIFIED", "CANCEL PENDING", "AMO REQ RECEIVED":
		if filled > 0 && filled < quantity {
			return models.OrderStatusPartial
		}
		return models.OrderStatusOpen
	default:
		if filled > 0 && filled < quantity {
			return models.OrderStatusPartial
		}
		return models.OrderStatusPending
	}
}

