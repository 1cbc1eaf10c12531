package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/flowforge/core"
)

const (
	httpRequestPrefix = "HTTP request node"

	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 10 << 20
)

// HTTPRequestConfig is the parsed configuration of an HTTP_REQUEST node.
type HTTPRequestConfig struct {
	Endpoint     string
	Method       string
	Body         string
	VariableName string
}

// ParseHTTPRequestConfig validates node data. Missing fields are reported in
// the order endpoint, variable name, method.
func ParseHTTPRequestConfig(data map[string]any) (HTTPRequestConfig, error) {
	cfg := HTTPRequestConfig{
		Endpoint:     configString(data, "endpoint"),
		Method:       strings.ToUpper(configString(data, "method")),
		Body:         configRaw(data, "body"),
		VariableName: configString(data, "variableName"),
	}
	if cfg.Endpoint == "" {
		return cfg, core.NewNonRetriable("%s: No endpoint configured", httpRequestPrefix)
	}
	if cfg.VariableName == "" {
		return cfg, core.NewNonRetriable("%s: Variable name not configured", httpRequestPrefix)
	}
	if cfg.Method == "" {
		return cfg, core.NewNonRetriable("%s: Method not configured", httpRequestPrefix)
	}
	switch cfg.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return cfg, core.NewNonRetriable("%s: Unsupported method %s", httpRequestPrefix, cfg.Method)
	}
	return cfg, nil
}

func (c HTTPRequestConfig) hasBody() bool {
	switch c.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// HTTPRequestExecutor calls an HTTP endpoint and stores the response under
// the node's variable name as {httpResponse: {data, status, statusText}}.
type HTTPRequestExecutor struct {
	client  HTTPClient
	timeout time.Duration
}

// HTTPRequestOption configures an HTTPRequestExecutor.
type HTTPRequestOption func(*HTTPRequestExecutor)

// WithHTTPClient sets the client used for outbound requests.
func WithHTTPClient(c HTTPClient) HTTPRequestOption {
	return func(e *HTTPRequestExecutor) {
		if c != nil {
			e.client = c
		}
	}
}

// WithHTTPTimeout bounds each request. Zero disables the bound.
func WithHTTPTimeout(d time.Duration) HTTPRequestOption {
	return func(e *HTTPRequestExecutor) { e.timeout = d }
}

// NewHTTPRequestExecutor creates an HTTPRequestExecutor.
func NewHTTPRequestExecutor(opts ...HTTPRequestOption) *HTTPRequestExecutor {
	e := &HTTPRequestExecutor{client: http.DefaultClient, timeout: defaultHTTPTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs the request inside the "http-request" step.
func (e *HTTPRequestExecutor) Execute(ctx context.Context, in core.ExecuteInput) (core.WorkflowContext, error) {
	st := newStatus(in, ChannelHTTPRequest)
	st.loading(ctx)

	cfg, err := ParseHTTPRequestConfig(in.Data)
	if err != nil {
		return nil, st.fail(ctx, err)
	}

	endpoint, err := render(httpRequestPrefix, "endpoint", cfg.Endpoint, in.Context)
	if err != nil {
		return nil, st.fail(ctx, err)
	}

	var body []byte
	if cfg.hasBody() {
		src := cfg.Body
		if strings.TrimSpace(src) == "" {
			src = "{}"
		}
		rendered, err := render(httpRequestPrefix, "body", src, in.Context)
		if err != nil {
			return nil, st.fail(ctx, err)
		}
		if !json.Valid([]byte(rendered)) {
			return nil, st.fail(ctx, core.NewNonRetriable("%s: Body is not valid JSON", httpRequestPrefix))
		}
		body = []byte(rendered)
	}

	resp, err := core.RunStep(ctx, in.Step, StepHTTPRequest, func(ctx context.Context) (map[string]any, error) {
		return e.do(ctx, cfg.Method, endpoint, body)
	})
	if err != nil {
		return nil, st.fail(ctx, err)
	}

	st.success(ctx)
	return in.Context.With(cfg.VariableName, map[string]any{"httpResponse": resp}), nil
}

func (e *HTTPRequestExecutor) do(ctx context.Context, method, endpoint string, body []byte) (map[string]any, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &core.NonRetriableError{Message: httpRequestPrefix + ": Invalid endpoint", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", httpRequestPrefix, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read response body: %w", httpRequestPrefix, err)
	}

	statusText := statusText(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("%s: Request failed with status code %d %s", httpRequestPrefix, resp.StatusCode, statusText)
		if permanentStatus(resp.StatusCode) {
			return nil, &core.NonRetriableError{Cause: statusErr}
		}
		return nil, statusErr
	}

	var data any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") && len(bytes.TrimSpace(raw)) > 0 {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("%s: decode JSON response: %w", httpRequestPrefix, err)
		}
		data = parsed
	}

	return map[string]any{
		"data":       data,
		"status":     resp.StatusCode,
		"statusText": statusText,
	}, nil
}

// permanentStatus reports client errors that a retry cannot fix.
func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

func statusText(resp *http.Response) string {
	if text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); text != "" && text != resp.Status {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

var _ core.Executor = (*HTTPRequestExecutor)(nil)
