// Package httprequest provides a node that calls an HTTP endpoint and stores the response.
package httprequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/state"
	"github.com/dukex/kernelgraph/pkg/template"
)

const NodeType = "httprequest"

// Config defines the configuration for HTTP request nodes. URL, body and header values
// are templates rendered against the state.
type Config struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
	Timeout time.Duration     `json:"timeout"`
}

// HTTPRequestNode performs one HTTP request per execution. Transport failures and error
// statuses are returned as errors so the executor's policies decide whether to retry.
type HTTPRequestNode struct {
	graph.BaseNode

	config Config
	client *http.Client
}

// NewHTTPRequestNode creates a new HTTP request node. A nil client uses one with the
// configured timeout.
func NewHTTPRequestNode(id string, config Config, client *http.Client, opts ...graph.Option) (*HTTPRequestNode, error) {
	if config.URL == "" {
		return nil, errors.New("missing required field 'url'")
	}

	if config.Method == "" {
		config.Method = http.MethodGet
	}

	config.Method = strings.ToUpper(config.Method)

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &HTTPRequestNode{
		BaseNode: graph.NewBaseNode(id, NodeType, opts...),
		config:   config,
		client:   client,
	}, nil
}

// Execute renders the request and performs it.
func (n *HTTPRequestNode) Execute(ctx context.Context, st *state.GraphState) (*models.NodeResult, error) {
	data := template.StateData(st)

	urlStr, err := renderString(n.config.URL, data)
	if err != nil {
		return nil, validationError("failed to render URL template", err)
	}

	var body string

	if n.config.Body != "" {
		body, err = renderString(n.config.Body, data)
		if err != nil {
			return nil, validationError("failed to render body template", err)
		}
	}

	headers := make(map[string]string, len(n.config.Headers))

	for key, value := range n.config.Headers {
		rendered, err := renderString(value, data)
		if err != nil {
			headers[key] = value // Use original value if template fails
		} else {
			headers[key] = rendered
		}
	}

	result, err := n.performRequest(ctx, urlStr, body, headers)
	if err != nil {
		return nil, err
	}

	return models.NewNodeResult(n.ID(), result), nil
}

func (n *HTTPRequestNode) performRequest(ctx context.Context, url, body string, headers map[string]string) (map[string]any, error) {
	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, n.config.Method, url, reqBody)
	if err != nil {
		return nil, validationError("failed to create request", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	// Set default Content-Type if not specified and body is present
	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &models.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	headerMap := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headerMap[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headerMap,
		"body":        string(respBody),
	}

	var jsonBody any
	if err := json.Unmarshal(respBody, &jsonBody); err == nil {
		result["json"] = jsonBody
	}

	return result, nil
}

func renderString(tmpl string, data map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	rendered, err := template.Render(tmpl, data)
	if err != nil {
		return "", err
	}

	if s, ok := rendered.(string); ok {
		return s, nil
	}

	raw, err := json.Marshal(rendered)
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

func validationError(msg string, err error) error {
	return models.NewGraphError(models.ErrorTypeValidation, msg, err)
}
