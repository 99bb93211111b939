package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vinayprograms/pixelmarket/errors"
	"github.com/vinayprograms/pixelmarket/logging"
	"github.com/vinayprograms/pixelmarket/telemetry"
)

// Rate-limit headers sent by the authority.
const (
	HeaderRemaining = "Requests-Remaining"
	HeaderReset     = "Requests-Reset"
	HeaderCooldown  = "Cooldown-Reset"
	HeaderRetry     = "Retry-After"
)

// HTTPConfig configures HTTPAuthority.
type HTTPConfig struct {
	// BaseURL of the authority, e.g. https://pixels.example.com.
	BaseURL string

	// Token is sent as a bearer token.
	Token string

	// Timeout bounds each call. Default: 10s
	Timeout time.Duration

	// Client overrides the HTTP client. Timeout is ignored when set.
	Client *http.Client

	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// HTTPAuthority is an Authority reached over HTTP.
type HTTPAuthority struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *logging.Logger
	tracer  *telemetry.Tracer
}

// NewHTTPAuthority creates a client for the authority at cfg.BaseURL.
func NewHTTPAuthority(cfg HTTPConfig) (*HTTPAuthority, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("canvas base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("canvas base_url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}

	return &HTTPAuthority{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
		logger:  logger.WithComponent("canvas"),
		tracer:  tracer,
	}, nil
}

// Pixel implements Authority.
func (a *HTTPAuthority) Pixel(ctx context.Context, x, y int) (Pixel, RateLimit, error) {
	q := url.Values{}
	q.Set("x", strconv.Itoa(x))
	q.Set("y", strconv.Itoa(y))

	var px Pixel
	rl, err := a.get(ctx, "/get_pixel", q, &px)
	if err != nil {
		return Pixel{}, rl, err
	}
	if px.Color == "" {
		return Pixel{}, rl, errors.New(errors.ErrCodeNetworkErr, "canvas returned no color")
	}
	px.X, px.Y = x, y
	px.Color = NormalizeColor(px.Color)
	return px, rl, nil
}

// Size implements Authority.
func (a *HTTPAuthority) Size(ctx context.Context) (Size, RateLimit, error) {
	var s Size
	rl, err := a.get(ctx, "/get_size", nil, &s)
	if err != nil {
		return Size{}, rl, err
	}
	if s.Width <= 0 || s.Height <= 0 {
		return Size{}, rl, errors.New(errors.ErrCodeNetworkErr,
			fmt.Sprintf("canvas returned invalid size %dx%d", s.Width, s.Height))
	}
	return s, rl, nil
}

func (a *HTTPAuthority) get(ctx context.Context, path string, q url.Values, out any) (rl RateLimit, err error) {
	ctx, span := a.tracer.StartCanvasSpan(ctx, path)
	status := 0
	defer func() {
		a.tracer.EndCanvasSpan(span, status, rl.Limited, err)
	}()

	u := a.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return rl, errors.Wrap(err, "build canvas request")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return rl, errors.Wrap(ctx.Err(), "canvas request")
		}
		return rl, errors.WrapWithCode(err, errors.ErrCodeNetworkErr, "canvas request")
	}
	defer resp.Body.Close()

	status = resp.StatusCode
	rl = parseRateLimit(resp.Header, resp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return rl, errors.WrapWithCode(err, errors.ErrCodeNetworkErr, "read canvas response")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		a.logger.Debug("canvas rate limited", map[string]any{
			"endpoint": path,
			"wait":     rl.Wait().String(),
		})
		return rl, errors.New(errors.ErrCodeRateLimit, "canvas rate limit reached",
			errors.WithRetryable(true),
			errors.WithMetadata("wait", rl.Wait().String()))
	case resp.StatusCode >= 500:
		return rl, errors.New(errors.ErrCodeUnavailable,
			fmt.Sprintf("canvas returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		// A refusal here is about our credentials or our request, never
		// the submitter's input.
		a.logger.Error("canvas rejected request", map[string]any{
			"endpoint": path,
			"status":   resp.StatusCode,
			"body":     truncate(string(body), 200),
		})
		return rl, errors.New(errors.ErrCodeUnavailable,
			fmt.Sprintf("canvas rejected request (%d)", resp.StatusCode),
			errors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return rl, errors.WrapWithCode(err, errors.ErrCodeNetworkErr, "decode canvas response")
	}
	return rl, nil
}

func parseRateLimit(h http.Header, status int) RateLimit {
	var rl RateLimit
	if v := h.Get(HeaderRemaining); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			rl.Remaining = &n
		}
	}
	rl.ResetAfter = parseSeconds(h.Get(HeaderReset))
	rl.Cooldown = parseSeconds(h.Get(HeaderCooldown))
	if status == http.StatusTooManyRequests {
		rl.Limited = true
		if retry := parseSeconds(h.Get(HeaderRetry)); retry > rl.ResetAfter {
			rl.ResetAfter = retry
		}
	}
	return rl
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
