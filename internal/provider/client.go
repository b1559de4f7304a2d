package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	maxBackoff     = 30 * time.Second
)

// Client talks the text-based handler_api protocol: GET requests with api_key
// and action query parameters, raw UTF-8 text line responses.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	mu              sync.Mutex
	rateLimitErrors int
	backoffDelay    time.Duration
}

func NewClient(apiKey, baseURL string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// handleRateLimitError grows the backoff window: 2s, 4s, 8s ... capped at 30s.
func (c *Client) handleRateLimitError(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rateLimitErrors++
	delay := time.Duration(1<<uint(c.rateLimitErrors)) * time.Second
	if delay > maxBackoff {
		delay = maxBackoff
	}
	c.backoffDelay = delay

	log.Printf("[Provider] Rate limit response %q (consecutive=%d, backoff=%s)", code, c.rateLimitErrors, delay)
}

func (c *Client) resetRateLimitCounter() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rateLimitErrors > 0 {
		log.Printf("[Provider] Rate limit counter reset after %d consecutive errors", c.rateLimitErrors)
		c.rateLimitErrors = 0
		c.backoffDelay = 0
	}
}

func (c *Client) currentBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoffDelay
}

// request performs one protocol call and returns the raw response text.
func (c *Client) request(ctx context.Context, params url.Values) (string, error) {
	if delay := c.currentBackoff(); delay > 0 {
		log.Printf("[Provider] Applying backoff delay: %s", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	params.Set("api_key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Provider] Request failed (action=%s): %v", params.Get("action"), err)
		return "", ErrUnavailable
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", ErrUnavailable
	}

	return strings.TrimSpace(string(body)), nil
}

// parse classifies a raw response. Error responses use fixed prefixes; rate
// limit responses additionally feed the backoff counter.
func (c *Client) parse(response string) (string, error) {
	isErr := strings.HasPrefix(response, "BAD_") ||
		strings.HasPrefix(response, "NO_") ||
		strings.HasPrefix(response, "ERROR_") ||
		strings.HasPrefix(response, "WRONG_")

	rateLimited := response == "BAD_ACTION" || strings.Contains(response, "TOO_MANY")

	if isErr || rateLimited {
		if rateLimited {
			c.handleRateLimitError(response)
		}
		return "", &APIError{Code: response, RateLimit: rateLimited}
	}

	c.resetRateLimitCounter()
	return response, nil
}

func (c *Client) call(ctx context.Context, params url.Values) (string, error) {
	raw, err := c.request(ctx, params)
	if err != nil {
		return "", err
	}
	return c.parse(raw)
}

// GetBalance parses ACCESS_BALANCE:<float>.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	data, err := c.call(ctx, url.Values{"action": {"getBalance"}})
	if err != nil {
		return 0, err
	}

	rest, ok := strings.CutPrefix(data, "ACCESS_BALANCE:")
	if !ok {
		return 0, fmt.Errorf("invalid balance response: %q", data)
	}

	balance, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid balance response: %q", data)
	}
	return balance, nil
}

// GetNumber orders a number. Response format: ACCESS_NUMBER:<id>:<phone>.
func (c *Client) GetNumber(ctx context.Context, service string, country int, operator string) (*Reservation, error) {
	params := url.Values{
		"action":  {"getNumber"},
		"service": {service},
	}
	if country > 0 {
		params.Set("country", strconv.Itoa(country))
	}
	if operator != "" {
		params.Set("operator", operator)
	}

	data, err := c.call(ctx, params)
	if err != nil {
		return nil, err
	}

	rest, ok := strings.CutPrefix(data, "ACCESS_NUMBER:")
	if !ok {
		return nil, fmt.Errorf("invalid getNumber response: %q", data)
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid getNumber response: %q", data)
	}

	return &Reservation{ActivationID: parts[0], PhoneNumber: parts[1]}, nil
}

// GetStatus polls an activation by its upstream id. Codes may themselves
// contain ':' so only the first delimiter is significant.
func (c *Client) GetStatus(ctx context.Context, activationID string) (*StatusResult, error) {
	data, err := c.call(ctx, url.Values{
		"action": {"getStatus"},
		"id":     {activationID},
	})
	if err != nil {
		return nil, err
	}

	switch {
	case data == "STATUS_WAIT_CODE":
		return &StatusResult{Status: StatusWaiting}, nil
	case data == "STATUS_CANCEL":
		return &StatusResult{Status: StatusCancelled}, nil
	case strings.HasPrefix(data, "STATUS_WAIT_RETRY:"):
		return &StatusResult{Status: StatusRetry, Code: data[len("STATUS_WAIT_RETRY:"):]}, nil
	case strings.HasPrefix(data, "STATUS_OK:"):
		return &StatusResult{Status: StatusReceived, Code: data[len("STATUS_OK:"):]}, nil
	}

	return nil, fmt.Errorf("unknown status response: %q", data)
}

// SetStatus reports a lifecycle change upstream. Valid success responses all
// start with ACCESS_ (ACCESS_READY, ACCESS_RETRY_GET, ACCESS_ACTIVATION,
// ACCESS_CANCEL).
func (c *Client) SetStatus(ctx context.Context, activationID string, status int) error {
	data, err := c.call(ctx, url.Values{
		"action": {"setStatus"},
		"id":     {activationID},
		"status": {strconv.Itoa(status)},
	})
	if err != nil {
		return err
	}

	if !strings.HasPrefix(data, "ACCESS_") {
		return fmt.Errorf("unexpected setStatus response: %q", data)
	}
	return nil
}

// GetCurrentActivations fetches the provider-side listing of active orders.
// Unlike the rest of the protocol this action answers in JSON.
func (c *Client) GetCurrentActivations(ctx context.Context) ([]ActiveOrder, error) {
	raw, err := c.request(ctx, url.Values{"action": {"getCurrentActivations"}})
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(raw, "NO_ACTIVATION") {
		return nil, nil
	}

	var payload struct {
		ActiveActivations []struct {
			ActivationID     json.Number `json:"activationId"`
			ID               json.Number `json:"id"`
			PhoneNumber      string      `json:"phoneNumber"`
			Phone            string      `json:"phone"`
			ActivationStatus string      `json:"activationStatus"`
			Status           string      `json:"status"`
			Sms              []struct {
				Code string `json:"code"`
				Text string `json:"text"`
			} `json:"sms"`
		} `json:"activeActivations"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("invalid getCurrentActivations response: %w", err)
	}

	orders := make([]ActiveOrder, 0, len(payload.ActiveActivations))
	for _, item := range payload.ActiveActivations {
		order := ActiveOrder{
			ActivationID: item.ActivationID.String(),
			PhoneNumber:  item.PhoneNumber,
			Status:       item.ActivationStatus,
		}
		if order.ActivationID == "" {
			order.ActivationID = item.ID.String()
		}
		if order.PhoneNumber == "" {
			order.PhoneNumber = item.Phone
		}
		if order.Status == "" {
			order.Status = item.Status
		}
		if len(item.Sms) > 0 {
			order.SmsCode = item.Sms[0].Code
		}
		orders = append(orders, order)
	}
	return orders, nil
}
