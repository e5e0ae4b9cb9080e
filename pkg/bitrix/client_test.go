package bitrix

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(serverURL string) *Client {
	return NewClient(serverURL, time.Millisecond, 5*time.Second, zap.NewNop())
}

func TestClient_Call(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/crm.lead.list.json", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "0", r.PostForm.Get("start"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": [{"ID": "1"}], "total": 63, "next": 50}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	params := url.Values{}
	params.Set("start", "0")

	res, err := client.Call(context.Background(), "crm.lead.list", params)
	require.NoError(t, err)
	assert.Equal(t, 63, res.Total)
	require.NotNil(t, res.Next)
	assert.Equal(t, 50, *res.Next)
	assert.JSONEq(t, `[{"ID": "1"}]`, string(res.Result))
}

func TestClient_TrailingSlashNormalized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/profile.json", r.URL.Path)
		_, _ = w.Write([]byte(`{"result": {}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL + "/")
	_, err := client.Call(context.Background(), "profile", url.Values{})
	require.NoError(t, err)
}

func TestClient_RateLimitIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": "QUERY_LIMIT_EXCEEDED", "error_description": "too many requests"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Call(context.Background(), "crm.lead.list", url.Values{})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	var bErr *Error
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, http.StatusTooManyRequests, bErr.StatusCode)
	assert.Equal(t, "QUERY_LIMIT_EXCEEDED", bErr.Code)
}

func TestClient_EnvelopeErrorWithHTTP200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The API reports some failures inside a 200 envelope.
		_, _ = w.Write([]byte(`{"error": "OPERATION_TIME_LIMIT", "error_description": "operation limit"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Call(context.Background(), "crm.lead.list", url.Values{})
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "rate-limit codes are retryable even on HTTP 200")
}

func TestClient_AuthFailureIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": "INVALID_CREDENTIALS", "error_description": "invalid credentials"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Call(context.Background(), "crm.lead.list", url.Values{})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestClient_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Call(context.Background(), "crm.lead.list", url.Values{})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestClient_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result": []}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(server.URL).Call(ctx, "crm.lead.list", url.Values{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsRetryable(err), "cancellation must not look like an upstream failure")
}

func TestClient_ExpiredDeadlineIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{"result": true}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(server.URL).Call(ctx, "crm.contact.update", url.Values{})
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "a timed-out call is a transient failure")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var bErr *Error
	require.ErrorAs(t, err, &bErr)
	assert.Contains(t, bErr.Message, "timed out")
}

func TestClassifyTransport(t *testing.T) {
	assert.True(t, classifyTransport(errors.New("dial tcp: connection refused")).Retryable)
	assert.True(t, classifyTransport(errors.New("context deadline exceeded")).Retryable)
	assert.False(t, classifyTransport(errors.New("certificate signed by unknown authority")).Retryable)
}

func TestErrorString(t *testing.T) {
	err := &Error{StatusCode: 429, Code: "QUERY_LIMIT_EXCEEDED", Message: "slow down"}
	assert.Equal(t, "HTTP 429 QUERY_LIMIT_EXCEEDED slow down", err.Error())

	wrapped := &Error{Message: "transport error", Cause: errors.New("boom")}
	assert.Equal(t, "transport error: boom", wrapped.Error())
}
