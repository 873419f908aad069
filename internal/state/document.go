// Package state manages the remote state record: a versioned resource-state
// document persisted one blob per environment, protected by an exclusive
// lease so that at most one pipeline run may apply changes at a time.
package state

import (
	"encoding/json"
	"fmt"
)

// FormatVersion is the document format written by this tool.
const FormatVersion = 4

// Resource types tracked in the state document.
const (
	TypeResourceGroup = "resource_group"
	TypeCluster       = "kubernetes_cluster"
	TypeNodePool      = "kubernetes_node_pool"
	TypeLogWorkspace  = "log_analytics_workspace"
)

// Document is the versioned resource-state record for one environment.
// Serial increases by exactly one on every committed apply; Lineage is fixed
// at first write and identifies the environment's history.
type Document struct {
	Version   int               `json:"version"`
	Serial    uint64            `json:"serial"`
	Lineage   string            `json:"lineage"`
	Outputs   map[string]Output `json:"outputs,omitempty"`
	Resources []Resource        `json:"resources"`
}

// Output is a named value produced by an apply. Sensitive outputs are
// redacted in any rendered view and never logged.
type Output struct {
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// Resource is one provisioned resource in the document.
type Resource struct {
	Type       string            `json:"type"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes"`
}

// Lookup returns the resource with the given type and name, if present.
func (d *Document) Lookup(resourceType, name string) (Resource, bool) {
	for _, r := range d.Resources {
		if r.Type == resourceType && r.Name == name {
			return r, true
		}
	}
	return Resource{}, false
}

// RedactedOutputs returns the outputs with sensitive values masked,
// safe for logs and plan displays.
func (d *Document) RedactedOutputs() map[string]string {
	out := make(map[string]string, len(d.Outputs))
	for name, o := range d.Outputs {
		if o.Sensitive {
			out[name] = "(sensitive)"
			continue
		}
		out[name] = o.Value
	}
	return out
}

// ParseDocument decodes and validates a persisted state document.
func ParseDocument(data []byte) (*Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty state document")
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state document: %w", err)
	}

	if doc.Version == 0 {
		return nil, fmt.Errorf("invalid state document: missing version field")
	}
	if doc.Lineage == "" {
		return nil, fmt.Errorf("invalid state document: missing lineage field")
	}

	return &doc, nil
}

// Encode serializes the document for storage.
func (d *Document) Encode() ([]byte, error) {
	return json.Marshal(d)
}
