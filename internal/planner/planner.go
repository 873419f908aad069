// Package planner computes and applies infrastructure change sets. Planning
// is a pure diff between the desired resources derived from a deployment
// configuration and the current state document; applying executes the diff
// through the cloud provider and commits the new document under the state
// lease.
package planner

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/conveyhq/convey/internal/cloud"
	"github.com/conveyhq/convey/internal/config"
	"github.com/conveyhq/convey/internal/fault"
	"github.com/conveyhq/convey/internal/state"
	"github.com/juju/clock"
	"github.com/juju/retry"
)

// Output names written to the state document after an apply.
const (
	OutputClusterEndpoint   = "cluster_endpoint"
	OutputCACertificate     = "ca_certificate"
	OutputClientCertificate = "client_certificate"
	OutputClientKey         = "client_key"
	OutputNodeResourceGroup = "node_resource_group"
)

// The default node pool name, matching the platform's convention.
const defaultNodePool = "default"

// ChangeSet is the computed diff between desired and current state.
type ChangeSet struct {
	Changes []cloud.Change
}

// Empty reports whether the change set contains no operations.
func (cs ChangeSet) Empty() bool {
	return len(cs.Changes) == 0
}

// Planner plans and applies infrastructure changes.
type Planner struct {
	store    *state.Store
	provider cloud.Provider
	clock    clock.Clock

	// Retry policy for transient platform failures during apply.
	RetryAttempts int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// New creates a planner. Pass clock.WallClock outside tests.
func New(store *state.Store, provider cloud.Provider, clk clock.Clock) *Planner {
	return &Planner{
		store:         store,
		provider:      provider,
		clock:         clk,
		RetryAttempts: 5,
		RetryDelay:    500 * time.Millisecond,
		RetryMaxDelay: 8 * time.Second,
	}
}

// desiredResources derives the full desired resource set from the
// configuration: resource group, cluster, default node pool, and the log
// analytics workspace only when logging is enabled.
func desiredResources(cfg config.Config) []state.Resource {
	clusterAttrs := map[string]string{
		"region":         cfg.Region,
		"resource_group": cfg.ResourceGroup,
		"dns_prefix":     cfg.DNSPrefix,
	}
	if cfg.EnableLogging {
		clusterAttrs["log_analytics_workspace"] = cfg.ClusterName + "-logs"
	}

	poolAttrs := map[string]string{
		"cluster":             cfg.ClusterName,
		"vm_size":             cfg.VMSize,
		"node_count":          strconv.Itoa(cfg.NodeCount),
		"enable_auto_scaling": strconv.FormatBool(cfg.EnableAutoScaling),
	}
	if cfg.EnableAutoScaling {
		poolAttrs["min_count"] = strconv.Itoa(cfg.MinNodeCount)
		poolAttrs["max_count"] = strconv.Itoa(cfg.MaxNodeCount)
	}

	resources := []state.Resource{
		{Type: state.TypeResourceGroup, Name: cfg.ResourceGroup, Attributes: map[string]string{
			"region": cfg.Region,
		}},
		{Type: state.TypeCluster, Name: cfg.ClusterName, Attributes: clusterAttrs},
		{Type: state.TypeNodePool, Name: defaultNodePool, Attributes: poolAttrs},
	}
	if cfg.EnableLogging {
		resources = append(resources, state.Resource{
			Type: state.TypeLogWorkspace,
			Name: cfg.ClusterName + "-logs",
			Attributes: map[string]string{
				"region":         cfg.Region,
				"resource_group": cfg.ResourceGroup,
			},
		})
	}
	return resources
}

// Plan diffs the desired resources against current and returns the change
// set. Plan never mutates external resources; an invalid configuration is
// rejected before anything else happens.
func (p *Planner) Plan(cfg config.Config, current *state.Document) (ChangeSet, error) {
	if err := cfg.Validate(); err != nil {
		return ChangeSet{}, err
	}

	var cs ChangeSet
	for _, want := range desiredResources(cfg) {
		have, ok := current.Lookup(want.Type, want.Name)
		if !ok {
			cs.Changes = append(cs.Changes, cloud.Change{
				Action:       cloud.ActionCreate,
				ResourceType: want.Type,
				Name:         want.Name,
				Attributes:   want.Attributes,
			})
			continue
		}
		if !attributesSatisfy(have.Attributes, want.Attributes) {
			cs.Changes = append(cs.Changes, cloud.Change{
				Action:       cloud.ActionUpdate,
				ResourceType: want.Type,
				Name:         want.Name,
				Attributes:   want.Attributes,
			})
		}
	}
	return cs, nil
}

// attributesSatisfy reports whether every desired attribute matches the
// stored one. The platform may add attributes of its own (resource ids);
// those never force an update.
func attributesSatisfy(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// Apply executes the change set against the platform and, when anything
// changed, commits the advanced state document under holder's lease.
// Transient platform failures are retried with exponential backoff;
// authorization and quota failures abort immediately. It returns the
// resulting document and the cluster credentials for downstream stages.
func (p *Planner) Apply(ctx context.Context, cfg config.Config, current *state.Document, cs ChangeSet, holder string) (*state.Document, *cloud.Credentials, error) {
	next := &state.Document{
		Version:   state.FormatVersion,
		Serial:    current.Serial,
		Lineage:   current.Lineage,
		Outputs:   current.Outputs,
		Resources: append([]state.Resource(nil), current.Resources...),
	}

	for _, change := range cs.Changes {
		log.Printf("[INFO] Applying %s %s/%s", change.Action, change.ResourceType, change.Name)
		var applied map[string]string
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				var err error
				applied, err = p.provider.ApplyResource(ctx, change)
				return err
			},
			IsFatalError: func(err error) bool { return !fault.Retryable(err) },
			NotifyFunc: func(lastError error, attempt int) {
				log.Printf("[ERROR] Apply attempt %d for %s/%s failed: %v", attempt, change.ResourceType, change.Name, lastError)
			},
			Attempts:    p.RetryAttempts,
			Delay:       p.RetryDelay,
			MaxDelay:    p.RetryMaxDelay,
			BackoffFunc: retry.DoubleDelay,
			Clock:       p.clock,
			Stop:        ctx.Done(),
		})
		if err != nil {
			if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
				err = retry.LastError(err)
			}
			return nil, nil, fmt.Errorf("applying %s/%s: %w", change.ResourceType, change.Name, err)
		}
		upsertResource(next, state.Resource{Type: change.ResourceType, Name: change.Name, Attributes: applied})
	}

	creds, err := p.provider.ClusterCredentials(ctx, cfg.ResourceGroup, cfg.ClusterName)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching cluster credentials: %w", err)
	}
	next.Outputs = map[string]state.Output{
		OutputClusterEndpoint:   {Value: creds.Endpoint},
		OutputCACertificate:     {Value: creds.CACertificate, Sensitive: true},
		OutputClientCertificate: {Value: creds.ClientCertificate, Sensitive: true},
		OutputClientKey:         {Value: creds.ClientKey, Sensitive: true},
		OutputNodeResourceGroup: {Value: creds.NodeResourceGroup},
	}

	if cs.Empty() && current.Serial > 0 {
		// Nothing changed; the committed document stays authoritative.
		return current, creds, nil
	}

	next.Serial = current.Serial + 1
	if err := p.store.Write(cfg.State.String(), holder, next); err != nil {
		return nil, nil, fmt.Errorf("committing state: %w", err)
	}
	log.Printf("[INFO] Committed state %s at serial %d", cfg.State.String(), next.Serial)
	return next, creds, nil
}

func upsertResource(doc *state.Document, r state.Resource) {
	for i := range doc.Resources {
		if doc.Resources[i].Type == r.Type && doc.Resources[i].Name == r.Name {
			doc.Resources[i] = r
			return
		}
	}
	doc.Resources = append(doc.Resources, r)
}
