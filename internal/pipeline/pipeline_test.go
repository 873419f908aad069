package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"gorm.io/gorm"

	"github.com/conveyhq/convey/internal/cloud"
	"github.com/conveyhq/convey/internal/config"
	"github.com/conveyhq/convey/internal/db"
	"github.com/conveyhq/convey/internal/deploy"
	"github.com/conveyhq/convey/internal/fault"
	"github.com/conveyhq/convey/internal/image"
	"github.com/conveyhq/convey/internal/planner"
	"github.com/conveyhq/convey/internal/release"
	"github.com/conveyhq/convey/internal/state"
)

// fakePublisher counts calls and can fail a configured number of times
// before succeeding. Each successful publish yields a distinct tag.
type fakePublisher struct {
	mu       sync.Mutex
	calls    int
	failures int
	failWith error
}

func (f *fakePublisher) Publish(ctx context.Context, spec image.BuildSpec) (image.Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 || (f.failWith != nil && f.failures == -1) {
		if f.failures > 0 {
			f.failures--
		}
		return image.Reference{}, f.failWith
	}
	return image.Reference{
		Registry:   spec.Registry,
		Repository: spec.Repository,
		Tag:        fmt.Sprintf("sha-%012d", f.calls),
	}, nil
}

func (f *fakePublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scriptedCluster replays workload statuses; the last entry repeats.
type scriptedCluster struct {
	mu     sync.Mutex
	script []deploy.WorkloadStatus
}

func (c *scriptedCluster) ApplyManifest(ctx context.Context, m deploy.Manifest) error {
	return nil
}

func (c *scriptedCluster) WorkloadStatus(ctx context.Context, namespace, name string) (deploy.WorkloadStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.script) == 0 {
		return deploy.WorkloadStatus{DesiredReplicas: 1, ReadyReplicas: 1}, nil
	}
	next := c.script[0]
	if len(c.script) > 1 {
		c.script = c.script[1:]
	}
	return next, nil
}

type testRig struct {
	pipeline *Pipeline
	sim      *cloud.Simulator
	store    *state.Store
	releases *release.Store
	pub      *fakePublisher
	gormDB   *gorm.DB
}

func newTestRig(t *testing.T, cluster deploy.Cluster) *testRig {
	t.Helper()
	gormDB, err := db.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	store := state.NewStore(gormDB, clock.WallClock)
	sim := cloud.NewSimulator()
	pln := planner.New(store, sim, clock.WallClock)
	pln.RetryDelay = time.Millisecond
	dep := deploy.NewDeployer(cluster, clock.WallClock)
	dep.PollInterval = time.Millisecond
	rel := release.NewStore(gormDB)
	pub := &fakePublisher{}

	p := New(gormDB, store, pln, pub, dep, rel, nil, clock.WallClock)
	p.LeaseRetryDelay = time.Millisecond
	p.PushRetryDelay = time.Millisecond
	return &testRig{pipeline: p, sim: sim, store: store, releases: rel, pub: pub, gormDB: gormDB}
}

func testRunSpec(runID string) RunSpec {
	cfg := config.Default()
	cfg.RolloutTimeout = 200 * time.Millisecond
	return RunSpec{
		RunID:     runID,
		SourceRev: "deadbeef",
		Config:    cfg,
		SourceDir: ".",
	}
}

func TestRunHappyPath(t *testing.T) {
	// 1. Setup
	rig := newTestRig(t, &scriptedCluster{})
	spec := testRunSpec("run-1")

	// 2. Execute
	if err := rig.pipeline.Run(context.Background(), spec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// 3. Run and stage records
	var run db.PipelineRun
	if err := rig.gormDB.First(&run, "run_id = ?", "run-1").Error; err != nil {
		t.Fatalf("Run record missing: %v", err)
	}
	if run.Status != db.RunSucceeded || run.FinishedAt == nil {
		t.Errorf("Expected finished successful run, got %+v", run)
	}
	var stages []db.StageRecord
	rig.gormDB.Where("run_id = ?", "run-1").Find(&stages)
	if len(stages) != 3 {
		t.Fatalf("Expected 3 stage records, got %d", len(stages))
	}
	for _, s := range stages {
		if s.Status != db.RunSucceeded {
			t.Errorf("Stage %s expected succeeded, got %s (%s)", s.Stage, s.Status, s.Message)
		}
	}

	// 4. State committed, release active, lease released
	doc, _ := rig.store.Read(spec.Config.State.String())
	if doc.Serial != 1 {
		t.Errorf("Expected committed state at serial 1, got %d", doc.Serial)
	}
	active, err := rig.releases.Active(spec.Config.Namespace, spec.Config.WorkloadName)
	if err != nil {
		t.Fatalf("Expected an active release: %v", err)
	}
	if active.Image == "" {
		t.Errorf("Active release missing image: %+v", active)
	}
	if err := rig.store.AcquireLease(spec.Config.State.String(), "other", time.Minute); err != nil {
		t.Errorf("Lease must be released after the run: %v", err)
	}
}

func TestRunInvalidConfigFailsFast(t *testing.T) {
	rig := newTestRig(t, &scriptedCluster{})
	spec := testRunSpec("run-1")
	spec.Config.EnableAutoScaling = true
	spec.Config.MinNodeCount = 4
	spec.Config.MaxNodeCount = 2

	err := rig.pipeline.Run(context.Background(), spec)
	if !errors.Is(err, fault.ErrConfigInvalid) {
		t.Fatalf("Expected ConfigInvalid, got: %v", err)
	}
	if rig.sim.ApplyCount() != 0 {
		t.Errorf("Invalid config must reach the platform zero times, saw %d", rig.sim.ApplyCount())
	}
	if rig.pub.callCount() != 0 {
		t.Errorf("Later stages must not run after a fatal early failure")
	}
}

func TestRunRetriesFlappingRegistry(t *testing.T) {
	rig := newTestRig(t, &scriptedCluster{})
	rig.pub.failures = 2
	rig.pub.failWith = fmt.Errorf("%w: connection reset", fault.ErrRegistryUnavailable)

	if err := rig.pipeline.Run(context.Background(), testRunSpec("run-1")); err != nil {
		t.Fatalf("Run must survive a flapping registry, got: %v", err)
	}
	if rig.pub.callCount() != 3 {
		t.Errorf("Expected 3 publish attempts, got %d", rig.pub.callCount())
	}
}

func TestRunRegistryAuthFailureNotRetried(t *testing.T) {
	rig := newTestRig(t, &scriptedCluster{})
	rig.pub.failures = -1
	rig.pub.failWith = fmt.Errorf("%w: bad credentials", fault.ErrAuthorization)

	err := rig.pipeline.Run(context.Background(), testRunSpec("run-1"))
	if !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("Expected AuthorizationError, got: %v", err)
	}
	if rig.pub.callCount() != 1 {
		t.Errorf("Auth failure must not be retried, got %d attempts", rig.pub.callCount())
	}
}

func TestRunFailedRolloutKeepsPreviousRelease(t *testing.T) {
	// 1. A successful first run establishes the active release.
	healthy := &scriptedCluster{}
	rig := newTestRig(t, healthy)
	if err := rig.pipeline.Run(context.Background(), testRunSpec("run-1")); err != nil {
		t.Fatalf("Seed run failed: %v", err)
	}
	before, err := rig.releases.Active("default", "app")
	if err != nil {
		t.Fatalf("Expected active release after seed run: %v", err)
	}

	// 2. The second run crash-loops.
	healthy.mu.Lock()
	healthy.script = []deploy.WorkloadStatus{
		{DesiredReplicas: 1, CrashLooping: true, Message: "back-off restarting container"},
	}
	healthy.mu.Unlock()

	err = rig.pipeline.Run(context.Background(), testRunSpec("run-2"))
	if err == nil {
		t.Fatal("Expected the crash-looping run to fail")
	}
	if errors.Is(err, fault.ErrRolloutTimedOut) {
		t.Errorf("A crash loop is Failed, not TimedOut: %v", err)
	}

	// 3. The previous release record is untouched.
	after, err := rig.releases.Active("default", "app")
	if err != nil {
		t.Fatalf("Active release must survive a failed rollout: %v", err)
	}
	if after.Image != before.Image {
		t.Errorf("Failed rollout must not supersede the release: %s -> %s", before.Image, after.Image)
	}
}

func TestRunPendingRolloutTimesOut(t *testing.T) {
	stuck := &scriptedCluster{script: []deploy.WorkloadStatus{
		{DesiredReplicas: 1, ReadyReplicas: 0},
	}}
	rig := newTestRig(t, stuck)
	spec := testRunSpec("run-1")
	spec.Config.RolloutTimeout = 10 * time.Millisecond

	err := rig.pipeline.Run(context.Background(), spec)
	if !errors.Is(err, fault.ErrRolloutTimedOut) {
		t.Fatalf("Expected RolloutTimedOut, got: %v", err)
	}
}

func TestRunBlockedByForeignLease(t *testing.T) {
	rig := newTestRig(t, &scriptedCluster{})
	rig.pipeline.LeaseAttempts = 2
	spec := testRunSpec("run-1")

	if err := rig.store.AcquireLease(spec.Config.State.String(), "someone-else", time.Hour); err != nil {
		t.Fatalf("Seeding foreign lease failed: %v", err)
	}

	err := rig.pipeline.Run(context.Background(), spec)
	if !errors.Is(err, fault.ErrStateLockUnavailable) {
		t.Fatalf("Expected StateLockUnavailable after bounded attempts, got: %v", err)
	}
	if rig.sim.ApplyCount() != 0 {
		t.Errorf("A blocked run must not touch the platform, saw %d applies", rig.sim.ApplyCount())
	}
}

func TestRollbackReappliesPreviousRelease(t *testing.T) {
	rig := newTestRig(t, &scriptedCluster{})

	// Two successful runs produce two distinct releases.
	if err := rig.pipeline.Run(context.Background(), testRunSpec("run-1")); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if err := rig.pipeline.Run(context.Background(), testRunSpec("run-2")); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	prev, err := rig.releases.Previous("default", "app")
	if err != nil {
		t.Fatalf("Previous failed: %v", err)
	}

	if err := rig.pipeline.Rollback(context.Background(), "default", "app", time.Second); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	active, err := rig.releases.Active("default", "app")
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active.Image != prev.Image {
		t.Errorf("Rollback must reactivate the previous image, got %s want %s", active.Image, prev.Image)
	}
}
