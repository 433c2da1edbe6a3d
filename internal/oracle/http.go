package oracle

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// HeaderProvider allows injecting per-request headers
type HeaderProvider func() map[string]string

// HTTPClient calls a stockfish.online style GET endpoint. 재시도 없음.
type HTTPClient struct {
	endpoint string
	http     *fasthttp.Client
	headers  HeaderProvider

	depth          int
	defaultTimeout time.Duration
}

type Option func(*HTTPClient)

func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

func WithDepth(n int) Option {
	return func(c *HTTPClient) {
		if n > 0 {
			c.depth = n
		}
	}
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *HTTPClient) { c.http.MaxConnsPerHost = n }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *HTTPClient) { c.headers = h }
}

func NewHTTPClient(endpoint string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		endpoint:       strings.TrimSpace(endpoint),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		depth:          10,
		defaultTimeout: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type evalResponse struct {
	Success    *bool           `json:"success"`
	Evaluation json.RawMessage `json:"evaluation"`
	Mate       json.RawMessage `json:"mate"`
	Bestmove   string          `json:"bestmove"`
	Data       string          `json:"data"`
}

func (c *HTTPClient) Evaluate(ctx context.Context, fen string) (float64, error) {
	if strings.TrimSpace(fen) == "" {
		return 0, unavailable("empty position")
	}
	if err := ctx.Err(); err != nil {
		return 0, unavailable("%v", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.endpoint)
	args := req.URI().QueryArgs()
	args.Set("fen", fen)
	args.Set("depth", strconv.Itoa(c.depth))
	req.Header.Set("Accept", "application/json")
	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
		return 0, unavailable("request failed: %v", err)
	}
	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return 0, unavailable("status=%d body=%s", status, truncate(string(resp.Body()), 256))
	}
	return parseEvaluation(resp.Body())
}

// parseEvaluation은 {success, evaluation, mate} 응답을 해석한다.
func parseEvaluation(body []byte) (float64, error) {
	var out evalResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, unavailable("decode response: %v", err)
	}
	if out.Success != nil && !*out.Success {
		return 0, unavailable("oracle reported failure: %s", truncate(out.Data, 128))
	}
	if v, ok := rawNumber(out.Evaluation); ok {
		return v, nil
	}
	if m, ok := rawNumber(out.Mate); ok && m != 0 {
		if m > 0 {
			return MateScore, nil
		}
		return -MateScore, nil
	}
	return 0, unavailable("missing evaluation")
}

func rawNumber(raw json.RawMessage) (float64, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, false
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (c *HTTPClient) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
