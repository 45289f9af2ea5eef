package httprequest

import (
	"context"
	"net/http"
	"time"

	"github.com/dukex/kernelgraph/pkg/graph"
	"github.com/dukex/kernelgraph/pkg/protocol"
)

// HTTPRequestNodeFactory creates HTTPRequestNode instances.
type HTTPRequestNodeFactory struct {
	client *http.Client
}

// NewHTTPRequestNodeFactory creates a new HTTP request node factory. A nil client gives
// every node its own client.
func NewHTTPRequestNodeFactory(client *http.Client) protocol.NodeFactory {
	return &HTTPRequestNodeFactory{client: client}
}

// Create creates a new HTTPRequestNode instance.
func (f *HTTPRequestNodeFactory) Create(_ context.Context, id string, config map[string]any) (graph.Node, error) {
	cfg := Config{Headers: make(map[string]string)}

	cfg.URL, _ = config["url"].(string)
	cfg.Method, _ = config["method"].(string)
	cfg.Body, _ = config["body"].(string)

	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if strVal, ok := v.(string); ok {
				cfg.Headers[k] = strVal
			}
		}
	}

	if timeout, ok := config["timeout"].(float64); ok {
		cfg.Timeout = time.Duration(timeout * float64(time.Second))
	}

	var opts []graph.Option
	if storeAs, ok := config["store_result_as"].(string); ok && storeAs != "" {
		opts = append(opts, graph.WithStoreResultAs(storeAs))
	}

	return NewHTTPRequestNode(id, cfg, f.client, opts...)
}

// ID returns the factory ID.
func (f *HTTPRequestNodeFactory) ID() string {
	return NodeType
}

// Name returns the factory name.
func (f *HTTPRequestNodeFactory) Name() string {
	return "HTTP Request"
}

// Description returns the factory description.
func (f *HTTPRequestNodeFactory) Description() string {
	return "Performs HTTP requests; failures are categorized so error policies can retry or halt"
}

// Schema returns the JSON schema for HTTP request node configuration.
func (f *HTTPRequestNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP URL to request. Supports templating with {{.args.key}}",
				"examples": []string{
					"https://api.example.com/users",
					"https://{{.args.api_host}}/orders/{{.args.order_id}}",
				},
			},
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method",
				"default":     "GET",
				"enum":        []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"},
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "HTTP headers. Values support templating",
				"examples": []map[string]any{
					{"Authorization": "Bearer {{.env.API_TOKEN}}"},
				},
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body. Supports templating for dynamic content",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Request timeout in seconds",
				"default":     30,
				"minimum":     1,
				"maximum":     300,
			},
			"store_result_as": map[string]any{
				"type":        "string",
				"description": "State key receiving the response",
			},
		},
		"required": []string{"url"},
	}
}
