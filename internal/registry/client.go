package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tzeusy/butlers/internal/mcptool"
)

// HTTPToolCaller invokes butler tools over the /sse JSON-RPC endpoint.
type HTTPToolCaller struct {
	client *http.Client
	nextID atomic.Int64
}

// NewHTTPToolCaller creates an HTTPToolCaller with a default 30s timeout.
func NewHTTPToolCaller() *HTTPToolCaller {
	return &HTTPToolCaller{client: &http.Client{Timeout: 30 * time.Second}}
}

// CallTool POSTs a JSON-RPC request for the named tool to the butler's
// endpoint and decodes the result map.
func (c *HTTPToolCaller) CallTool(ctx context.Context, endpointURL, tool string, args map[string]any) (map[string]any, error) {
	req, err := mcptool.NewRequest(c.nextID.Add(1), tool, args)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(endpointURL, "/")
	if !strings.HasSuffix(url, "/sse") {
		url += "/sse"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", tool, url, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("call %s on %s: HTTP %d", tool, url, httpResp.StatusCode)
	}

	var resp mcptool.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result map[string]any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return result, nil
}
