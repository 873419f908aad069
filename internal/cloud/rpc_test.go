package cloud

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/conveyhq/convey/internal/fault"
)

// startFakeDaemon serves one newline-delimited JSON-RPC connection at a time,
// answering every request with the given response body.
func startFakeDaemon(t *testing.T, respond func(req RPCRequest) RPCResponse) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "provisioner.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("Failed to listen on unix socket: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				line, err := bufio.NewReader(c).ReadBytes('\n')
				if err != nil {
					return
				}
				var req RPCRequest
				if err := json.Unmarshal(line, &req); err != nil {
					return
				}
				resp := respond(req)
				resp.JSONRPC = "2.0"
				resp.ID = req.ID
				out, _ := json.Marshal(resp)
				c.Write(append(out, '\n'))
			}(conn)
		}
	}()
	return socketPath
}

func TestRPCProviderApplyResource(t *testing.T) {
	socketPath := startFakeDaemon(t, func(req RPCRequest) RPCResponse {
		if req.Method != "resource.apply" {
			t.Errorf("Unexpected method %q", req.Method)
		}
		result, _ := json.Marshal(map[string]any{
			"attributes": map[string]string{"region": "westeurope", "id": "rg-001"},
		})
		return RPCResponse{Result: result}
	})

	p := NewRPCProvider(socketPath)
	attrs, err := p.ApplyResource(context.Background(), Change{
		Action:       ActionCreate,
		ResourceType: "resource_group",
		Name:         "convey-rg",
		Attributes:   map[string]string{"region": "westeurope"},
	})
	if err != nil {
		t.Fatalf("ApplyResource failed: %v", err)
	}
	if attrs["id"] != "rg-001" {
		t.Errorf("Expected platform-assigned id, got %v", attrs)
	}
}

func TestRPCProviderErrorClassification(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{429, fault.ErrPlatformTransient},
		{403, fault.ErrAuthorization},
		{507, fault.ErrAuthorization},
	}

	for _, tc := range cases {
		code := tc.code
		socketPath := startFakeDaemon(t, func(RPCRequest) RPCResponse {
			return RPCResponse{Error: &RPCError{Code: code, Message: "denied"}}
		})

		p := NewRPCProvider(socketPath)
		_, err := p.ApplyResource(context.Background(), Change{Action: ActionCreate, ResourceType: "cluster", Name: "c"})
		if !errors.Is(err, tc.want) {
			t.Errorf("Code %d: expected %v, got: %v", tc.code, tc.want, err)
		}
	}
}

func TestRPCProviderUnreachableIsTransient(t *testing.T) {
	p := NewRPCProvider(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := p.ApplyResource(context.Background(), Change{Action: ActionCreate, ResourceType: "cluster", Name: "c"})
	if !errors.Is(err, fault.ErrPlatformTransient) {
		t.Errorf("Expected transient error for unreachable daemon, got: %v", err)
	}
}

func TestSimulatorFailureInjection(t *testing.T) {
	sim := NewSimulator()
	sim.TransientFailures = 1

	_, err := sim.ApplyResource(context.Background(), Change{Action: ActionCreate, ResourceType: "cluster", Name: "c"})
	if !errors.Is(err, fault.ErrPlatformTransient) {
		t.Fatalf("Expected injected transient failure, got: %v", err)
	}

	attrs, err := sim.ApplyResource(context.Background(), Change{
		Action: ActionCreate, ResourceType: "cluster", Name: "c",
		Attributes: map[string]string{"node_count": "2"},
	})
	if err != nil {
		t.Fatalf("Expected apply to succeed once failures drained: %v", err)
	}
	if attrs["node_count"] != "2" {
		t.Errorf("Expected attributes echoed back, got %v", attrs)
	}
	if sim.ApplyCount() != 2 {
		t.Errorf("Expected 2 apply calls recorded, got %d", sim.ApplyCount())
	}
}
