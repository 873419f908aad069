package cloud

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/conveyhq/convey/internal/fault"
)

// Error codes reported by the provisioner daemon.
const (
	rpcCodeThrottled    = 429
	rpcCodeUnauthorized = 403
	rpcCodeQuota        = 507
)

// RPCProvider talks to a local provisioner daemon over a Unix socket using
// newline-delimited JSON-RPC. The daemon fronts the real platform tooling;
// this client only relays changes and classifies the daemon's errors.
type RPCProvider struct {
	socketPath string
}

// NewRPCProvider creates a provider bound to the daemon socket.
func NewRPCProvider(socketPath string) *RPCProvider {
	return &RPCProvider{socketPath: socketPath}
}

// RPCRequest is a standard JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      int            `json:"id"`
}

// RPCResponse is a standard JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *RPCProvider) ApplyResource(ctx context.Context, change Change) (map[string]string, error) {
	var result struct {
		Attributes map[string]string `json:"attributes"`
	}
	err := p.call(ctx, "resource.apply", map[string]any{
		"action":        change.Action,
		"resource_type": change.ResourceType,
		"name":          change.Name,
		"attributes":    change.Attributes,
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.Attributes, nil
}

func (p *RPCProvider) ClusterCredentials(ctx context.Context, resourceGroup, clusterName string) (*Credentials, error) {
	var creds Credentials
	err := p.call(ctx, "cluster.credentials", map[string]any{
		"resource_group": resourceGroup,
		"cluster_name":   clusterName,
	}, &creds)
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

func (p *RPCProvider) call(ctx context.Context, method string, params map[string]any, result any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", p.socketPath)
	if err != nil {
		return fmt.Errorf("%w: could not connect to provisioner socket at %s: %v", fault.ErrPlatformTransient, p.socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	request := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	reqBytes, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON-RPC request: %w", err)
	}

	// The daemon expects newline-delimited requests.
	if _, err := conn.Write(append(reqBytes, '\n')); err != nil {
		return fmt.Errorf("%w: failed to write to socket: %v", fault.ErrPlatformTransient, err)
	}

	reader := bufio.NewReader(conn)
	resBytes, err := reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("%w: failed to read response from socket: %v", fault.ErrPlatformTransient, err)
	}

	var response RPCResponse
	if err := json.Unmarshal(resBytes, &response); err != nil {
		return fmt.Errorf("failed to unmarshal JSON-RPC response: %w", err)
	}

	if response.Error != nil {
		return classifyRPCError(method, response.Error)
	}

	if result != nil && len(response.Result) > 0 {
		if err := json.Unmarshal(response.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

func classifyRPCError(method string, rpcErr *RPCError) error {
	switch rpcErr.Code {
	case rpcCodeUnauthorized, rpcCodeQuota:
		return fmt.Errorf("%w: %s: %s (code: %d)", fault.ErrAuthorization, method, rpcErr.Message, rpcErr.Code)
	case rpcCodeThrottled:
		return fmt.Errorf("%w: %s: %s (code: %d)", fault.ErrPlatformTransient, method, rpcErr.Message, rpcErr.Code)
	default:
		return fmt.Errorf("provisioner error on %s: %s (code: %d)", method, rpcErr.Message, rpcErr.Code)
	}
}
