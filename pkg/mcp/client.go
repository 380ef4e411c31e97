package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harun/nebula/internal/observability"
	"github.com/harun/nebula/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 4 << 20
	maxListPages     = 20
)

// ClientConfig configures a Client
type ClientConfig struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client issues JSON-RPC requests to remote tool servers
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	nextID     atomic.Int64
	logger     zerolog.Logger
}

// NewClient creates a client
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		httpClient: httpClient,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger.With().Str("component", "mcp_client").Logger(),
	}
}

// ListTools returns every tool the server exposes, following pagination cursors
func (c *Client) ListTools(ctx context.Context, ep Endpoint) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		var result listToolsResult
		var params interface{}
		if cursor != "" {
			params = listToolsParams{Cursor: cursor}
		}
		if err := c.call(ctx, ep, MethodListTools, params, &result); err != nil {
			return nil, err
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" || result.NextCursor == cursor {
			break
		}
		cursor = result.NextCursor
	}
	if tools == nil {
		tools = []Tool{}
	}
	return tools, nil
}

// CallTool invokes a named tool with arguments
func (c *Client) CallTool(ctx context.Context, ep Endpoint, name string, args map[string]interface{}) (*CallResult, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("tool name is required")
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	var result CallResult
	if err := c.call(ctx, ep, MethodCallTool, callToolParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) call(ctx context.Context, ep Endpoint, method string, params, out interface{}) (err error) {
	ctx, span := tracing.StartSpan(ctx, "nebula.mcp", "mcp."+method,
		attribute.String("mcp.method", method),
		attribute.String("mcp.url", ep.URL),
	)
	defer func() {
		tracing.RecordError(span, err)
		span.End()
		observability.RecordRemoteCall(method, err == nil)
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id := c.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.timeout)
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.timeout)
		}
		return fmt.Errorf("%w: failed to read response: %v", ErrTransport, err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", ep.URL).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Remote tool request finished")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: HTTP %d: %s", ErrTransport, resp.StatusCode, snippet(payload))
	}

	if isEventStream(resp.Header.Get("Content-Type")) {
		payload, err = firstEventData(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return fmt.Errorf("%w: invalid JSON-RPC response: %v", ErrTransport, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("%w: response carries neither result nor error", ErrTransport)
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("%w: unexpected %s result: %v", ErrTransport, method, err)
	}
	return nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}

// firstEventData returns the data of the first server-sent event
func firstEventData(payload []byte) ([]byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 64*1024), maxResponseBytes)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 {
				break
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("event stream carried no data")
	}
	return []byte(strings.Join(data, "\n")), nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
