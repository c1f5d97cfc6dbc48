package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
	"github.com/hugo-lorenzo-mato/devflow/internal/testutil"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Len())

	_, err := r.Get("claude")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))

	first := testutil.NewMockProvider("claude")
	r.Register(first)
	r.Register(testutil.NewMockProvider("gemini"))
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"claude", "gemini"}, r.List())

	got, err := r.Get("claude")
	require.NoError(t, err)
	assert.Same(t, first, got)

	// Re-registering a name replaces the client.
	second := testutil.NewMockProvider("claude")
	r.Register(second)
	assert.Equal(t, 2, r.Len())
	got, err = r.Get("claude")
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestNewHTTPClient_Validation(t *testing.T) {
	_, err := NewHTTPClient(Config{BaseURL: "https://api.example.com/v1"}, nil)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))

	_, err = NewHTTPClient(Config{Name: "claude"}, nil)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))

	// A configured key env that is unset fails fast instead of failing on the
	// first call.
	_, err = NewHTTPClient(Config{
		Name:      "claude",
		BaseURL:   "https://api.example.com/v1",
		APIKeyEnv: "DEVFLOW_TEST_KEY_THAT_IS_NEVER_SET",
	}, nil)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatAuth))
}

func TestNewHTTPClient_Defaults(t *testing.T) {
	c, err := NewHTTPClient(Config{Name: "claude", BaseURL: "https://api.example.com/v1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultTimeout, c.cfg.Timeout)
	assert.Equal(t, int64(defaultMaxConcurrent), c.cfg.MaxConcurrent)
}

func newBackend(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	t.Setenv("DEVFLOW_TEST_API_KEY", "sk-test")
	c, err := NewHTTPClient(Config{
		Name:      "mockapi",
		BaseURL:   srv.URL,
		APIKeyEnv: "DEVFLOW_TEST_API_KEY",
		Models:    []string{"gpt-4o-mini"},
	}, nil)
	require.NoError(t, err)
	return c
}

func chatReq(model string) core.Request {
	return core.Request{
		Model: model,
		Messages: []core.Message{
			{Role: "system", Content: "you are a test"},
			{Role: "user", Content: "say ok"},
		},
	}
}

func TestExecute_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody chatRequest
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "hello from backend"}}],
			"usage": {"prompt_tokens": 100, "completion_tokens": 50}
		}`))
	})

	resp, err := c.Execute(context.Background(), chatReq("gpt-4o-mini"))
	require.NoError(t, err)

	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotBody.Model)
	assert.Len(t, gotBody.Messages, 2)

	assert.Equal(t, "mockapi", resp.Provider)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, "hello from backend", resp.Text)
	assert.Equal(t, 100, resp.TokensIn)
	assert.Equal(t, 50, resp.TokensOut)
	// 100 in at $0.15/MTok plus 50 out at $0.60/MTok.
	assert.InDelta(t, 0.000045, resp.CostUSD, 1e-12)
	assert.NotEmpty(t, resp.Raw)
}

func TestExecute_RequestValidation(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend should not be reached")
	})

	_, err := c.Execute(context.Background(), core.Request{Messages: []core.Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))

	_, err = c.Execute(context.Background(), core.Request{Model: "gpt-4o-mini"})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestExecute_RateLimited(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit"}}`))
	})

	_, err := c.Execute(context.Background(), chatReq("gpt-4o-mini"))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatRateLimit))
	assert.True(t, core.IsRetryable(err))
	hint, ok := core.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, hint)
	assert.Contains(t, err.Error(), "slow down")
}

func TestExecute_AuthRejected(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad key"}}`))
	})

	_, err := c.Execute(context.Background(), chatReq("gpt-4o-mini"))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatAuth))
	assert.False(t, core.IsRetryable(err))
}

func TestExecute_ServerError(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	})

	_, err := c.Execute(context.Background(), chatReq("gpt-4o-mini"))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatProvider))
	assert.True(t, core.IsRetryable(err))
	assert.Contains(t, err.Error(), "502")
}

func TestExecute_BadRequest(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "unknown model"}}`))
	})

	_, err := c.Execute(context.Background(), chatReq("gpt-4o-mini"))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatProvider))
	assert.False(t, core.IsRetryable(err))
	assert.Contains(t, err.Error(), "unknown model")
}

func TestExecute_MalformedBody(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	})

	_, err := c.Execute(context.Background(), chatReq("gpt-4o-mini"))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatProvider))
}

func TestExecute_ErrorEnvelope(t *testing.T) {
	// Some backends return 200 with an error payload.
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": {"message": "content filtered"}}`))
	})

	_, err := c.Execute(context.Background(), chatReq("gpt-4o-mini"))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatProvider))
	assert.False(t, core.IsRetryable(err))
	assert.Contains(t, err.Error(), "content filtered")
}

func TestExecute_NoChoices(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [], "usage": {"prompt_tokens": 1, "completion_tokens": 0}}`))
	})

	_, err := c.Execute(context.Background(), chatReq("gpt-4o-mini"))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatProvider))
}

func TestExecute_DeadlineExceeded(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Execute(ctx, chatReq("gpt-4o-mini"))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatTimeout))
	assert.True(t, core.IsRetryable(err))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3"))

	// An HTTP-date in the future yields a positive hint.
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.Greater(t, got, 20*time.Second)
	assert.LessOrEqual(t, got, 30*time.Second)

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), parseRetryAfter(past))
}

func TestCostFor(t *testing.T) {
	// 1M input and 1M output tokens at the published rates.
	assert.InDelta(t, 18.0, costFor(defaultPricing, "claude-sonnet-4", 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 0.75, costFor(defaultPricing, "gpt-4o-mini", 1_000_000, 1_000_000), 1e-9)

	// Unknown models use the conservative fallback rate.
	assert.InDelta(t, 18.0, costFor(defaultPricing, "mystery-model", 1_000_000, 1_000_000), 1e-9)

	assert.Equal(t, 0.0, costFor(defaultPricing, "gpt-4o", 0, 0))
}
