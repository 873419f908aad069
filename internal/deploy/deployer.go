package deploy

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/juju/clock"
)

// Rollout states. Pending and Progressing are transient; the rest are
// terminal. TimedOut means the workload may still be converging, as opposed
// to Failed, which means it is actively broken.
const (
	RolloutPending     = "pending"
	RolloutProgressing = "progressing"
	RolloutSucceeded   = "succeeded"
	RolloutFailed      = "failed"
	RolloutTimedOut    = "timed_out"
)

// WorkloadStatus is a point-in-time view of the workload on the cluster.
type WorkloadStatus struct {
	DesiredReplicas int
	ReadyReplicas   int
	CrashLooping    bool
	Message         string
}

// Cluster is the external cluster interface: apply a manifest, read back
// pod-level status.
type Cluster interface {
	ApplyManifest(ctx context.Context, m Manifest) error
	WorkloadStatus(ctx context.Context, namespace, name string) (WorkloadStatus, error)
}

// RolloutResult is the terminal outcome of one rollout.
type RolloutResult struct {
	State   string
	Message string
	Elapsed time.Duration
}

// Deployer submits manifests and waits for rollout completion.
type Deployer struct {
	cluster Cluster
	clock   clock.Clock

	PollInterval time.Duration
}

// NewDeployer creates a deployer. Pass clock.WallClock outside tests.
func NewDeployer(cluster Cluster, clk clock.Clock) *Deployer {
	return &Deployer{
		cluster:      cluster,
		clock:        clk,
		PollInterval: 2 * time.Second,
	}
}

// Apply submits the manifest and polls until the rollout reaches a terminal
// state or the timeout elapses. Failed and TimedOut are outcomes, not
// errors; the error return covers plumbing failures only. The deployer never
// rolls back on its own — on a bad outcome the previous release record stays
// authoritative and the decision is the operator's.
func (d *Deployer) Apply(ctx context.Context, m Manifest, timeout time.Duration) (RolloutResult, error) {
	started := d.clock.Now()
	deadline := started.Add(timeout)

	if err := d.cluster.ApplyManifest(ctx, m); err != nil {
		return RolloutResult{}, fmt.Errorf("applying manifest %s/%s: %w", m.Namespace, m.Name, err)
	}
	log.Printf("[INFO] Applied manifest %s/%s, waiting for rollout", m.Namespace, m.Name)

	lastState := RolloutPending
	lastMessage := ""
	for {
		status, err := d.cluster.WorkloadStatus(ctx, m.Namespace, m.Name)
		if err != nil {
			return RolloutResult{}, fmt.Errorf("polling rollout %s/%s: %w", m.Namespace, m.Name, err)
		}

		lastState, lastMessage = classify(status)
		switch lastState {
		case RolloutSucceeded, RolloutFailed:
			return RolloutResult{
				State:   lastState,
				Message: lastMessage,
				Elapsed: d.clock.Now().Sub(started),
			}, nil
		}

		if !d.clock.Now().Add(d.PollInterval).Before(deadline) {
			return RolloutResult{
				State:   RolloutTimedOut,
				Message: fmt.Sprintf("rollout still %s after %s: %s", lastState, timeout, lastMessage),
				Elapsed: d.clock.Now().Sub(started),
			}, nil
		}

		select {
		case <-ctx.Done():
			return RolloutResult{}, ctx.Err()
		case <-d.clock.After(d.PollInterval):
		}
	}
}

func classify(s WorkloadStatus) (string, string) {
	switch {
	case s.CrashLooping:
		return RolloutFailed, s.Message
	case s.DesiredReplicas > 0 && s.ReadyReplicas >= s.DesiredReplicas:
		return RolloutSucceeded, s.Message
	case s.ReadyReplicas > 0:
		return RolloutProgressing, s.Message
	default:
		return RolloutPending, s.Message
	}
}
