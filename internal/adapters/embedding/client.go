// Package embedding fetches vectors for submissions that arrive without one.
package embedding

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"

	model "github.com/LemmyAI/megabrain-protocol/internal/domain/model"
	"github.com/LemmyAI/megabrain-protocol/internal/domain/vectormath"
	"github.com/LemmyAI/megabrain-protocol/pkg/logger"
	"github.com/LemmyAI/megabrain-protocol/pkg/metrics"
)

// Client defaults.
const (
	DefaultModel   = "text-embedding-3-small"
	DefaultTimeout = 30 * time.Second
	DefaultRetries = 3

	maxTextLength = 8000
)

var (
	whitespace = regexp.MustCompile(`\s+`)
	disallowed = regexp.MustCompile(`[^\w\s.,!?-]`)
)

type embedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
	Model     string    `json:"model"`
}

// Result is one provider answer.
type Result struct {
	Vector []float64
	Model  string
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) (Result, error)
}

// Client calls an HTTP embedding service: POST {text, model} -> {embedding, model}.
// Network errors, 429 and 5xx responses are retried with exponential backoff.
type Client struct {
	url          string
	model        string
	timeout      time.Duration
	retries      int
	retryWaitMin time.Duration
	retryWaitMax time.Duration

	http   *resty.Client
	logger logger.Logger
}

// NewClient creates a client for the given endpoint.
func NewClient(url string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrNoURL
	}

	c := &Client{
		url:          url,
		model:        DefaultModel,
		timeout:      DefaultTimeout,
		retries:      DefaultRetries,
		retryWaitMin: 500 * time.Millisecond,
		retryWaitMax: 20 * time.Second,
		logger:       logger.Get().Named("embedding"),
	}
	for _, opt := range opts {
		opt(c)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = c.retries
	rc.RetryWaitMin = c.retryWaitMin
	rc.RetryWaitMax = c.retryWaitMax
	rc.HTTPClient.Timeout = c.timeout
	rc.Logger = nil
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			c.logger.Warn(req.Context(), "retrying embedding request",
				logger.Int("attempt", attempt),
				logger.String("url", req.URL.String()),
			)
		}
	}

	c.http = resty.NewWithClient(rc.StandardClient()).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetHeader("Accept", "application/json")

	c.logger.Info(context.Background(), "embedding client initialized",
		logger.String("url", c.url),
		logger.String("model", c.model),
		logger.Int("retry_max", c.retries),
		logger.String("timeout", c.timeout.String()),
	)
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Embed requests a vector for text. The text is cleaned before sending.
func (c *Client) Embed(ctx context.Context, text string) (Result, error) {
	start := time.Now()
	var out embedResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(embedRequest{Text: CleanText(text), Model: c.model}).
		SetResult(&out).
		Post(c.url)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		metrics.RecordEmbeddingRequest("error", latency)
		return Result{}, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	if resp.IsError() {
		metrics.RecordEmbeddingRequest("error", latency)
		return Result{}, fmt.Errorf("%w: status %d", ErrProvider, resp.StatusCode())
	}
	if len(out.Embedding) == 0 {
		metrics.RecordEmbeddingRequest("empty", latency)
		return Result{}, fmt.Errorf("%w: empty embedding", ErrProvider)
	}
	if !vectormath.Finite(out.Embedding) {
		metrics.RecordEmbeddingRequest("invalid", latency)
		return Result{}, fmt.Errorf("%w: non-finite embedding", ErrProvider)
	}

	metrics.RecordEmbeddingRequest("ok", latency)
	name := out.Model
	if name == "" {
		name = c.model
	}
	return Result{Vector: out.Embedding, Model: name}, nil
}

// CleanText collapses whitespace, strips characters outside word characters
// and basic punctuation, and truncates to the provider limit.
func CleanText(text string) string {
	s := whitespace.ReplaceAllString(strings.TrimSpace(text), " ")
	s = disallowed.ReplaceAllString(s, "")
	if len(s) > maxTextLength {
		s = s[:maxTextLength]
	}
	return s
}

// BackfillReport summarises one Backfill call.
type BackfillReport struct {
	Requested int
	Filled    int
	Failed    int
}

// Backfill fills missing embeddings on a copy of subs. Submissions the
// provider cannot embed stay without a vector and are counted as failed.
func Backfill(ctx context.Context, e Embedder, subs []model.Submission) ([]model.Submission, BackfillReport, error) {
	out := make([]model.Submission, len(subs))
	copy(out, subs)

	var rep BackfillReport
	for i := range out {
		if out[i].Embeddable() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, rep, fmt.Errorf("backfill: %w", err)
		}
		rep.Requested++
		res, err := e.Embed(ctx, out[i].Summary)
		if err != nil {
			rep.Failed++
			continue
		}
		out[i].Embedding = res.Vector
		rep.Filled++
	}
	return out, rep, nil
}
