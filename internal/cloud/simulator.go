package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/conveyhq/convey/internal/fault"
)

// Simulator is an in-memory Provider. It fabricates deterministic endpoints
// and credentials and supports failure injection, which makes it the backend
// for local runs and tests.
type Simulator struct {
	mu        sync.Mutex
	resources map[string]map[string]string // "type/name" -> attributes
	applies   int

	// TransientFailures is consumed one apply at a time: while positive,
	// ApplyResource fails with a transient platform error.
	TransientFailures int
	// DenyAuthorization makes every call fail with an authorization error.
	DenyAuthorization bool
}

// NewSimulator creates an empty simulated platform.
func NewSimulator() *Simulator {
	return &Simulator{resources: make(map[string]map[string]string)}
}

// ApplyCount reports how many apply calls reached the platform.
func (s *Simulator) ApplyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applies
}

// Resource returns the stored attributes for a resource, if applied.
func (s *Simulator) Resource(resourceType, name string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.resources[resourceType+"/"+name]
	return attrs, ok
}

func (s *Simulator) ApplyResource(ctx context.Context, change Change) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applies++

	if s.DenyAuthorization {
		return nil, fmt.Errorf("%w: principal lacks permission on %s/%s", fault.ErrAuthorization, change.ResourceType, change.Name)
	}
	if s.TransientFailures > 0 {
		s.TransientFailures--
		return nil, fmt.Errorf("%w: platform throttled %s/%s", fault.ErrPlatformTransient, change.ResourceType, change.Name)
	}

	attrs := make(map[string]string, len(change.Attributes))
	for k, v := range change.Attributes {
		attrs[k] = v
	}
	s.resources[change.ResourceType+"/"+change.Name] = attrs
	return attrs, nil
}

func (s *Simulator) ClusterCredentials(ctx context.Context, resourceGroup, clusterName string) (*Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.DenyAuthorization {
		return nil, fmt.Errorf("%w: cannot read credentials for %s", fault.ErrAuthorization, clusterName)
	}

	return &Credentials{
		Endpoint:          fmt.Sprintf("https://%s.%s.simulated:443", clusterName, resourceGroup),
		CACertificate:     "sim-ca-" + clusterName,
		ClientCertificate: "sim-cert-" + clusterName,
		ClientKey:         "sim-key-" + clusterName,
		NodeResourceGroup: "MC_" + resourceGroup + "_" + clusterName,
	}, nil
}
