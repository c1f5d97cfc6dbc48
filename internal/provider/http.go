package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
	"github.com/hugo-lorenzo-mato/devflow/internal/logging"
)

const (
	defaultTimeout       = 120 * time.Second
	defaultMaxConcurrent = 4
	maxResponseBytes     = 10 << 20
)

// Config describes one HTTP provider backend. All hosted backends speak the
// chat-completions wire shape, so a single client covers them.
type Config struct {
	// Name is the stable provider identifier used in routing rules.
	Name string
	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	BaseURL string
	// APIKeyEnv names the environment variable holding the API key. Keys are
	// never stored in config files.
	APIKeyEnv string
	// Models lists the model identifiers this backend serves.
	Models []string
	// Timeout bounds a single request. Zero means the 120s default.
	Timeout time.Duration
	// MaxConcurrent caps in-flight requests to the backend. Zero means 4.
	MaxConcurrent int64
}

// HTTPClient is a core.ProviderClient over a chat-completions HTTP API.
type HTTPClient struct {
	cfg     Config
	http    *http.Client
	sem     *semaphore.Weighted
	pricing map[string]modelPricing
	logger  *logging.Logger
}

// NewHTTPClient builds a client for one backend. It fails fast if the API
// key environment variable is unset.
func NewHTTPClient(cfg Config, logger *logging.Logger) (*HTTPClient, error) {
	if cfg.Name == "" {
		return nil, core.ErrValidation("PROVIDER_NAME_REQUIRED", "provider name cannot be empty")
	}
	if cfg.BaseURL == "" {
		return nil, core.ErrValidation("PROVIDER_BASE_URL_REQUIRED",
			fmt.Sprintf("provider %s has no base URL", cfg.Name))
	}
	if cfg.APIKeyEnv != "" && os.Getenv(cfg.APIKeyEnv) == "" {
		return nil, core.ErrAuth(fmt.Sprintf("environment variable %s is not set", cfg.APIKeyEnv))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		pricing: defaultPricing,
		logger:  logger.WithProvider(cfg.Name),
	}, nil
}

// Name returns the provider identifier.
func (c *HTTPClient) Name() string { return c.cfg.Name }

// Models returns the configured model identifiers.
func (c *HTTPClient) Models() []string {
	out := make([]string, len(c.cfg.Models))
	copy(out, c.cfg.Models)
	return out
}

// CostEstimate computes the USD cost for a token usage on a model.
func (c *HTTPClient) CostEstimate(tokensIn, tokensOut int, model string) float64 {
	return costFor(c.pricing, model, tokensIn, tokensOut)
}

// Wire types for the chat-completions shape.
type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []core.Message `json:"messages"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	Stop        []string       `json:"stop,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Execute runs a single request. The concurrency cap is acquired with the
// caller's context, so a cancelled workflow never queues behind other calls.
func (c *HTTPClient) Execute(ctx context.Context, req core.Request) (*core.Response, error) {
	if req.Model == "" {
		return nil, core.ErrValidation("MODEL_REQUIRED", "request model cannot be empty")
	}
	if len(req.Messages) == 0 {
		return nil, core.ErrValidation("MESSAGES_REQUIRED", "request must contain at least one message")
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, classifyCtxErr(ctx, err)
	}
	defer c.sem.Release(1)

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	})
	if err != nil {
		return nil, core.ErrInternal("MARSHAL_REQUEST", "encoding provider request").WithCause(err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, core.ErrInternal("BUILD_REQUEST", "building provider request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKeyEnv != "" {
		httpReq.Header.Set("Authorization", "Bearer "+os.Getenv(c.cfg.APIKeyEnv))
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(ctx, c.cfg.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, core.ErrProviderUnavailable(c.cfg.Name, "reading provider response").WithCause(err)
	}
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp, raw)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, core.ErrProviderUnavailable(c.cfg.Name, "malformed provider response").WithCause(err)
	}
	if parsed.Error != nil {
		return nil, core.ErrInvalidRequest(parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, core.ErrProviderUnavailable(c.cfg.Name, "provider returned no choices")
	}

	tokensIn := parsed.Usage.PromptTokens
	tokensOut := parsed.Usage.CompletionTokens
	out := &core.Response{
		Provider:  c.cfg.Name,
		Model:     req.Model,
		Text:      parsed.Choices[0].Message.Content,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   c.CostEstimate(tokensIn, tokensOut, req.Model),
		LatencyMS: latency.Milliseconds(),
		Raw:       raw,
	}

	c.logger.Debug("provider call completed",
		"model", req.Model,
		"tokens_in", tokensIn,
		"tokens_out", tokensOut,
		"cost_usd", out.CostUSD,
		"latency_ms", out.LatencyMS,
	)
	return out, nil
}

// classifyStatus maps HTTP status codes onto the error taxonomy.
func (c *HTTPClient) classifyStatus(resp *http.Response, body []byte) error {
	msg := providerErrMessage(body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return core.ErrAuth(fmt.Sprintf("provider %s rejected credentials: %s", c.cfg.Name, msg))
	case resp.StatusCode == http.StatusTooManyRequests:
		return core.ErrRateLimited(
			fmt.Sprintf("provider %s rate limited: %s", c.cfg.Name, msg),
			parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return core.ErrProviderUnavailable(c.cfg.Name,
			fmt.Sprintf("provider %s returned %d: %s", c.cfg.Name, resp.StatusCode, msg))
	case resp.StatusCode == http.StatusBadRequest:
		return core.ErrInvalidRequest(fmt.Sprintf("provider %s rejected request: %s", c.cfg.Name, msg))
	default:
		return core.ErrProviderUnavailable(c.cfg.Name,
			fmt.Sprintf("provider %s returned unexpected %d: %s", c.cfg.Name, resp.StatusCode, msg))
	}
}

func providerErrMessage(body []byte) string {
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		return parsed.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func classifyCtxErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.ErrTimeout("provider call deadline exceeded").WithCause(err)
	}
	return core.ErrCancelled("provider call cancelled").WithCause(err)
}

func classifyTransportErr(ctx context.Context, provider string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return core.ErrTimeout(fmt.Sprintf("provider %s call timed out", provider)).WithCause(err)
	case errors.Is(ctx.Err(), context.Canceled):
		return core.ErrCancelled(fmt.Sprintf("provider %s call cancelled", provider)).WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return core.ErrTimeout(fmt.Sprintf("provider %s call timed out", provider)).WithCause(err)
	default:
		return core.ErrProviderUnavailable(provider, "transport failure").WithCause(err)
	}
}

var _ core.ProviderClient = (*HTTPClient)(nil)
