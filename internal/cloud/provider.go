// Package cloud abstracts the provisioning platform. Resource reconciliation
// itself is owned by the platform behind the Provider interface; this module
// only submits changes and reads back outputs.
package cloud

import "context"

// Change actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
)

// Change is one operation against the platform: bring the named resource to
// the given attributes.
type Change struct {
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	Name         string            `json:"name"`
	Attributes   map[string]string `json:"attributes"`
}

// Credentials is the cluster access material produced by a successful apply.
// Every field except Endpoint and NodeResourceGroup is sensitive and must
// never be logged.
type Credentials struct {
	Endpoint          string `json:"endpoint"`
	CACertificate     string `json:"ca_certificate"`
	ClientCertificate string `json:"client_certificate"`
	ClientKey         string `json:"client_key"`
	NodeResourceGroup string `json:"node_resource_group"`
}

// Provider is the opaque provisioning platform.
type Provider interface {
	// ApplyResource submits one change and returns the resource's final
	// attributes as observed by the platform.
	ApplyResource(ctx context.Context, change Change) (map[string]string, error)

	// ClusterCredentials fetches access material for a provisioned cluster.
	ClusterCredentials(ctx context.Context, resourceGroup, clusterName string) (*Credentials, error)
}
