// Package config defines the deployment configuration supplied at pipeline
// invocation. A Config is immutable for the duration of a run.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/conveyhq/convey/internal/fault"
)

// StateKey addresses the remote state blob for one environment.
type StateKey struct {
	Account   string `json:"account"`
	Container string `json:"container"`
	Blob      string `json:"blob"`
}

// String returns the composed storage key.
func (k StateKey) String() string {
	return k.Account + "/" + k.Container + "/" + k.Blob
}

// Config is the full set of named parameters for one pipeline run.
type Config struct {
	Region            string `json:"region"`
	ResourceGroup     string `json:"resource_group"`
	ClusterName       string `json:"cluster_name"`
	DNSPrefix         string `json:"dns_prefix"`
	NodeCount         int    `json:"node_count"`
	VMSize            string `json:"vm_size"`
	EnableAutoScaling bool   `json:"enable_auto_scaling"`
	MinNodeCount      int    `json:"min_node_count"`
	MaxNodeCount      int    `json:"max_node_count"`
	EnableLogging     bool   `json:"enable_logging"`

	Namespace    string `json:"namespace"`
	WorkloadName string `json:"workload_name"`
	Replicas     int    `json:"replicas"`

	Registry   string `json:"registry"`
	Repository string `json:"repository"`

	RolloutTimeout time.Duration `json:"rollout_timeout"`
	State          StateKey      `json:"state"`
}

// Default returns a Config with every parameter at its default value.
func Default() Config {
	return Config{
		Region:            "westeurope",
		ResourceGroup:     "convey-rg",
		ClusterName:       "convey-aks",
		DNSPrefix:         "convey",
		NodeCount:         1,
		VMSize:            "Standard_D2s_v3",
		EnableAutoScaling: false,
		MinNodeCount:      1,
		MaxNodeCount:      3,
		EnableLogging:     false,
		Namespace:         "default",
		WorkloadName:      "app",
		Replicas:          1,
		Registry:          "localhost:5000",
		Repository:        "convey/app",
		RolloutTimeout:    5 * time.Minute,
		State: StateKey{
			Account:   "conveystate",
			Container: "tfstate",
			Blob:      "default.tfstate",
		},
	}
}

// Merge applies a partial JSON override on top of c and returns the result.
// Fields absent from the override keep their current values.
func Merge(c Config, override []byte) (Config, error) {
	if len(override) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(override, &c); err != nil {
		return c, fmt.Errorf("%w: parsing overrides: %v", fault.ErrConfigInvalid, err)
	}
	return c, nil
}

// Validate checks the configuration invariants. It performs no remote calls
// and must pass before any stage runs.
func (c Config) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"region", c.Region},
		{"resource_group", c.ResourceGroup},
		{"cluster_name", c.ClusterName},
		{"dns_prefix", c.DNSPrefix},
		{"vm_size", c.VMSize},
		{"namespace", c.Namespace},
		{"workload_name", c.WorkloadName},
		{"repository", c.Repository},
	} {
		if f.value == "" {
			return fmt.Errorf("%w: %s must not be empty", fault.ErrConfigInvalid, f.name)
		}
	}
	if c.State.Account == "" || c.State.Container == "" || c.State.Blob == "" {
		return fmt.Errorf("%w: state key must be fully specified", fault.ErrConfigInvalid)
	}
	if c.NodeCount < 1 {
		return fmt.Errorf("%w: node_count must be at least 1, got %d", fault.ErrConfigInvalid, c.NodeCount)
	}
	if c.Replicas < 1 {
		return fmt.Errorf("%w: replicas must be at least 1, got %d", fault.ErrConfigInvalid, c.Replicas)
	}
	if c.RolloutTimeout <= 0 {
		return fmt.Errorf("%w: rollout_timeout must be positive", fault.ErrConfigInvalid)
	}
	if c.EnableAutoScaling {
		if c.MinNodeCount < 1 {
			return fmt.Errorf("%w: min_node_count must be at least 1, got %d", fault.ErrConfigInvalid, c.MinNodeCount)
		}
		if c.MinNodeCount > c.MaxNodeCount {
			return fmt.Errorf("%w: min_node_count %d exceeds max_node_count %d", fault.ErrConfigInvalid, c.MinNodeCount, c.MaxNodeCount)
		}
		if c.NodeCount < c.MinNodeCount || c.NodeCount > c.MaxNodeCount {
			return fmt.Errorf("%w: node_count %d outside autoscaling bounds [%d,%d]", fault.ErrConfigInvalid, c.NodeCount, c.MinNodeCount, c.MaxNodeCount)
		}
	}
	return nil
}
