package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRateLimit = 5
	defaultBurst     = 2
	maxErrorBody     = 512
)

// HTTPConfig configures a remote agent service client.
type HTTPConfig struct {
	BaseURL string
	Token   string
	// Requests per second. Default: 5
	RateLimit float64
	// Default: 2
	Burst  int
	Client *http.Client
}

// HTTPExecutor posts requests as JSON to <base>/agents/<type>/execute.
type HTTPExecutor struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent service returned %d: %s", e.Code, e.Body)
}

func NewHTTPExecutor(cfg HTTPConfig) (*HTTPExecutor, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("agent base url required")
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPExecutor{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
	}, nil
}

func (h *HTTPExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limiter: %w", err)
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal agent request: %w", err)
	}
	url := fmt.Sprintf("%s/agents/%s/execute", h.baseURL, req.AgentType)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.token)
	}
	if req.Timeout > 0 {
		httpReq.Header.Set("X-Agent-Timeout", req.Timeout.Round(time.Second).String())
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(data)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return Result{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(msg)}
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("decode agent response: %w", err)
	}
	if res.Status == "" {
		res.Status = StatusSuccess
	}
	return res, nil
}
