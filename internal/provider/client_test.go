package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient("test-key", server.URL)
}

func respondWith(response string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(response))
	}
}

func TestClient_GetBalance(t *testing.T) {
	t.Run("parses the balance", func(t *testing.T) {
		client := newTestClient(t, respondWith("ACCESS_BALANCE:154.30"))
		balance, err := client.GetBalance(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 154.30, balance)
	})

	t.Run("api key is sent as a query parameter", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "test-key", r.URL.Query().Get("api_key"))
			assert.Equal(t, "getBalance", r.URL.Query().Get("action"))
			w.Write([]byte("ACCESS_BALANCE:0"))
		})
		_, err := client.GetBalance(context.Background())
		assert.NoError(t, err)
	})

	t.Run("error token becomes an APIError", func(t *testing.T) {
		client := newTestClient(t, respondWith("BAD_KEY"))
		_, err := client.GetBalance(context.Background())
		var apiErr *APIError
		assert.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "BAD_KEY", apiErr.Code)
		assert.False(t, apiErr.RateLimit)
	})
}

func TestClient_GetNumber(t *testing.T) {
	t.Run("parses id and phone", func(t *testing.T) {
		client := newTestClient(t, respondWith("ACCESS_NUMBER:635701:+5511999990000"))
		reservation, err := client.GetNumber(context.Background(), "wa", 73, "")
		assert.NoError(t, err)
		assert.Equal(t, "635701", reservation.ActivationID)
		assert.Equal(t, "+5511999990000", reservation.PhoneNumber)
	})

	t.Run("degenerate reservation passes through unchanged", func(t *testing.T) {
		client := newTestClient(t, respondWith("ACCESS_NUMBER:+5511999990000:+5511999990000"))
		reservation, err := client.GetNumber(context.Background(), "wa", 73, "")
		assert.NoError(t, err)
		assert.Equal(t, reservation.ActivationID, reservation.PhoneNumber)
	})

	t.Run("no numbers", func(t *testing.T) {
		client := newTestClient(t, respondWith("NO_NUMBERS"))
		_, err := client.GetNumber(context.Background(), "wa", 73, "")
		var apiErr *APIError
		assert.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "NO_NUMBERS", apiErr.Code)
	})

	t.Run("garbage response is rejected", func(t *testing.T) {
		client := newTestClient(t, respondWith("ACCESS_NUMBER:onlyid"))
		_, err := client.GetNumber(context.Background(), "wa", 73, "")
		assert.Error(t, err)
	})
}

func TestClient_GetStatus(t *testing.T) {
	cases := []struct {
		response string
		status   string
		code     string
	}{
		{"STATUS_WAIT_CODE", StatusWaiting, ""},
		{"STATUS_CANCEL", StatusCancelled, ""},
		{"STATUS_OK:123456", StatusReceived, "123456"},
		{"STATUS_WAIT_RETRY:123456", StatusRetry, "123456"},
		// Only the first colon delimits; codes may contain more.
		{"STATUS_OK:G-123:456", StatusReceived, "G-123:456"},
		{"STATUS_WAIT_RETRY:ab:cd:ef", StatusRetry, "ab:cd:ef"},
	}

	for _, tc := range cases {
		t.Run(tc.response, func(t *testing.T) {
			client := newTestClient(t, respondWith(tc.response))
			result, err := client.GetStatus(context.Background(), "635701")
			assert.NoError(t, err)
			assert.Equal(t, tc.status, result.Status)
			assert.Equal(t, tc.code, result.Code)
		})
	}

	t.Run("unknown response", func(t *testing.T) {
		client := newTestClient(t, respondWith("SOMETHING_ELSE"))
		_, err := client.GetStatus(context.Background(), "635701")
		assert.Error(t, err)
	})
}

func TestClient_SetStatus(t *testing.T) {
	t.Run("accepts any ACCESS_ response", func(t *testing.T) {
		client := newTestClient(t, respondWith("ACCESS_CANCEL"))
		assert.NoError(t, client.SetStatus(context.Background(), "635701", SetStatusCancel))
	})

	t.Run("rejects anything else", func(t *testing.T) {
		client := newTestClient(t, respondWith("STATUS_WAIT_CODE"))
		assert.Error(t, client.SetStatus(context.Background(), "635701", SetStatusRetry))
	})
}

func TestClient_GetCurrentActivations(t *testing.T) {
	t.Run("parses the json listing with field fallbacks", func(t *testing.T) {
		client := newTestClient(t, respondWith(`{"activeActivations":[
			{"activationId":123,"phoneNumber":"5511999990000","activationStatus":"waiting","sms":[]},
			{"id":"456","phone":"5511888880000","status":"received","sms":[{"code":"987654","text":"your code is 987654"}]}
		]}`))

		orders, err := client.GetCurrentActivations(context.Background())
		assert.NoError(t, err)
		assert.Len(t, orders, 2)
		assert.Equal(t, "123", orders[0].ActivationID)
		assert.Equal(t, "5511999990000", orders[0].PhoneNumber)
		assert.Empty(t, orders[0].SmsCode)
		assert.Equal(t, "456", orders[1].ActivationID)
		assert.Equal(t, "5511888880000", orders[1].PhoneNumber)
		assert.Equal(t, "987654", orders[1].SmsCode)
	})

	t.Run("NO_ACTIVATION means an empty listing", func(t *testing.T) {
		client := newTestClient(t, respondWith("NO_ACTIVATION"))
		orders, err := client.GetCurrentActivations(context.Background())
		assert.NoError(t, err)
		assert.Nil(t, orders)
	})
}

func TestClient_TransportFailure(t *testing.T) {
	server := httptest.NewServer(respondWith("ACCESS_BALANCE:0"))
	client := NewClient("test-key", server.URL)
	server.Close() // connection refused from here on

	_, err := client.GetBalance(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotContains(t, err.Error(), "http", "transport errors must stay generic")
}

func TestClient_RateLimitBackoff(t *testing.T) {
	client := NewClient("test-key", "http://unused.invalid")

	t.Run("backoff doubles and caps at 30s", func(t *testing.T) {
		expected := []time.Duration{
			2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
			30 * time.Second, 30 * time.Second,
		}
		for i, want := range expected {
			_, err := client.parse("BAD_ACTION")
			assert.True(t, IsRateLimited(err), "attempt %d", i)
			assert.Equal(t, want, client.currentBackoff(), "attempt %d", i)
		}
	})

	t.Run("success resets the counter", func(t *testing.T) {
		_, err := client.parse("ACCESS_BALANCE:1.00")
		assert.NoError(t, err)
		assert.Equal(t, time.Duration(0), client.currentBackoff())
	})

	t.Run("TOO_MANY responses also count", func(t *testing.T) {
		_, err := client.parse("ERROR_TOO_MANY_REQUESTS")
		assert.True(t, IsRateLimited(err))
		assert.Equal(t, 2*time.Second, client.currentBackoff())
	})

	t.Run("ordinary errors do not grow the backoff", func(t *testing.T) {
		before := client.currentBackoff()
		_, err := client.parse("NO_NUMBERS")
		assert.Error(t, err)
		assert.False(t, IsRateLimited(err))
		assert.Equal(t, before, client.currentBackoff())
	})
}
