// Package pipeline drives one deployment run through its three stages:
// provision infrastructure, publish the image, deploy the release. Stages
// run strictly in order and the run fails fast on any fatal stage error.
// Cross-run concurrency is serialized only by the state lease.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/nats-io/nats.go"
	"gorm.io/gorm"

	"github.com/conveyhq/convey/internal/cloud"
	"github.com/conveyhq/convey/internal/config"
	"github.com/conveyhq/convey/internal/db"
	"github.com/conveyhq/convey/internal/deploy"
	"github.com/conveyhq/convey/internal/fault"
	"github.com/conveyhq/convey/internal/image"
	"github.com/conveyhq/convey/internal/messaging"
	"github.com/conveyhq/convey/internal/planner"
	"github.com/conveyhq/convey/internal/release"
	"github.com/conveyhq/convey/internal/state"
)

// Publisher builds and pushes one image per run.
type Publisher interface {
	Publish(ctx context.Context, spec image.BuildSpec) (image.Reference, error)
}

// RunSpec is the input of one pipeline run.
type RunSpec struct {
	RunID        string
	SourceRev    string
	Config       config.Config
	SourceDir    string
	Dockerfile   string
	RegistryUser string
	RegistryPass string
}

// Pipeline wires the three stages together.
type Pipeline struct {
	db        *gorm.DB
	store     *state.Store
	planner   *planner.Planner
	publisher Publisher
	deployer  *deploy.Deployer
	releases  *release.Store
	nc        *nats.Conn
	clock     clock.Clock

	// Template is the deployment template rendered in the deploy stage.
	Template string
	// Lease policy for the provision stage.
	LeaseTTL        time.Duration
	LeaseAttempts   int
	LeaseRetryDelay time.Duration
	// Push retry policy for a flapping registry.
	PushAttempts   int
	PushRetryDelay time.Duration
}

// New assembles a pipeline. nc may be nil for local runs without messaging.
func New(gormDB *gorm.DB, store *state.Store, pln *planner.Planner, pub Publisher, dep *deploy.Deployer, rel *release.Store, nc *nats.Conn, clk clock.Clock) *Pipeline {
	return &Pipeline{
		db:              gormDB,
		store:           store,
		planner:         pln,
		publisher:       pub,
		deployer:        dep,
		releases:        rel,
		nc:              nc,
		clock:           clk,
		Template:        deploy.DefaultTemplate,
		LeaseTTL:        5 * time.Minute,
		LeaseAttempts:   5,
		LeaseRetryDelay: time.Second,
		PushAttempts:    4,
		PushRetryDelay:  time.Second,
	}
}

// Run executes the pipeline for spec and records the outcome. The returned
// error is the first fatal stage error, already classified.
func (p *Pipeline) Run(ctx context.Context, spec RunSpec) error {
	if spec.RunID == "" {
		spec.RunID = uuid.NewString()
	}
	log.Printf("[INFO] Pipeline run %s started (rev %s)", spec.RunID, spec.SourceRev)
	p.recordRun(spec, db.RunRunning, "")

	err := p.runStages(ctx, spec)
	if err != nil {
		log.Printf("[ERROR] Pipeline run %s failed: %v", spec.RunID, err)
		p.recordRun(spec, db.RunFailed, err.Error())
		return err
	}

	log.Printf("[INFO] Pipeline run %s succeeded", spec.RunID)
	p.recordRun(spec, db.RunSucceeded, "")
	return nil
}

func (p *Pipeline) runStages(ctx context.Context, spec RunSpec) error {
	cfg := spec.Config

	// Stage 1: provision. Everything below depends on its outputs.
	p.stage(spec.RunID, db.StageProvision, db.RunRunning, "")
	creds, err := p.provision(ctx, spec)
	if err != nil {
		p.stage(spec.RunID, db.StageProvision, db.RunFailed, err.Error())
		return err
	}
	p.stage(spec.RunID, db.StageProvision, db.RunSucceeded, "cluster ready at "+creds.Endpoint)

	// Stage 2: publish.
	p.stage(spec.RunID, db.StagePublish, db.RunRunning, "")
	ref, err := p.publish(ctx, spec)
	if err != nil {
		p.stage(spec.RunID, db.StagePublish, db.RunFailed, err.Error())
		return err
	}
	p.stage(spec.RunID, db.StagePublish, db.RunSucceeded, "published "+ref.String())

	// Stage 3: deploy.
	p.stage(spec.RunID, db.StageDeploy, db.RunRunning, "")
	result, err := p.deploy(ctx, cfg, ref)
	if err != nil {
		p.stage(spec.RunID, db.StageDeploy, db.RunFailed, err.Error())
		return err
	}
	p.stage(spec.RunID, db.StageDeploy, db.RunSucceeded, result)
	return nil
}

// provision validates the configuration, then plans and applies under the
// state lease. The lease is released on every exit path, including
// cancellation, so remote state is always the last fully committed value.
func (p *Pipeline) provision(ctx context.Context, spec RunSpec) (*cloud.Credentials, error) {
	cfg := spec.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	key := cfg.State.String()
	holder := spec.RunID
	err := retry.Call(retry.CallArgs{
		Func: func() error { return p.store.AcquireLease(key, holder, p.LeaseTTL) },
		IsFatalError: func(err error) bool {
			return !errors.Is(err, fault.ErrStateLockUnavailable)
		},
		NotifyFunc: func(lastError error, attempt int) {
			log.Printf("[INFO] Waiting for state lease on %q (attempt %d): %v", key, attempt, lastError)
		},
		Attempts:    p.LeaseAttempts,
		Delay:       p.LeaseRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
			err = retry.LastError(err)
		}
		return nil, fmt.Errorf("acquiring state lease: %w", err)
	}
	defer func() {
		if err := p.store.ReleaseLease(key, holder); err != nil {
			log.Printf("[ERROR] Releasing state lease on %q: %v", key, err)
		}
	}()

	current, err := p.store.Read(key)
	if err != nil {
		return nil, err
	}
	cs, err := p.planner.Plan(cfg, current)
	if err != nil {
		return nil, err
	}
	if cs.Empty() {
		log.Printf("[INFO] Infrastructure unchanged for %q", key)
	} else {
		log.Printf("[INFO] Applying %d infrastructure changes for %q", len(cs.Changes), key)
	}

	_, creds, err := p.planner.Apply(ctx, cfg, current, cs, holder)
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func (p *Pipeline) publish(ctx context.Context, spec RunSpec) (image.Reference, error) {
	buildSpec := image.BuildSpec{
		SourceDir:  spec.SourceDir,
		Dockerfile: spec.Dockerfile,
		Registry:   spec.Config.Registry,
		Repository: spec.Config.Repository,
		Username:   spec.RegistryUser,
		Password:   spec.RegistryPass,
	}

	var ref image.Reference
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			ref, err = p.publisher.Publish(ctx, buildSpec)
			return err
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, fault.ErrRegistryUnavailable)
		},
		NotifyFunc: func(lastError error, attempt int) {
			log.Printf("[ERROR] Publish attempt %d failed: %v", attempt, lastError)
		},
		Attempts:    p.PushAttempts,
		Delay:       p.PushRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
			err = retry.LastError(err)
		}
		return image.Reference{}, err
	}
	return ref, nil
}

// deploy renders the manifest and waits for the rollout. On a Failed or
// TimedOut outcome the previous release record stays authoritative; no
// automatic rollback happens.
func (p *Pipeline) deploy(ctx context.Context, cfg config.Config, ref image.Reference) (string, error) {
	manifest, err := deploy.Render(p.Template, deploy.Values{
		Namespace: cfg.Namespace,
		Name:      cfg.WorkloadName,
		Image:     ref.String(),
		Replicas:  cfg.Replicas,
	})
	if err != nil {
		return "", err
	}

	result, err := p.deployer.Apply(ctx, manifest, cfg.RolloutTimeout)
	if err != nil {
		return "", err
	}

	switch result.State {
	case deploy.RolloutSucceeded:
		if _, err := p.releases.Supersede(cfg.Namespace, cfg.WorkloadName, ref.String(), cfg.Replicas, result.State); err != nil {
			return "", err
		}
		return fmt.Sprintf("rollout succeeded in %s", result.Elapsed.Round(time.Millisecond)), nil
	case deploy.RolloutTimedOut:
		return "", fmt.Errorf("%w: %s", fault.ErrRolloutTimedOut, result.Message)
	default:
		return "", fmt.Errorf("rollout failed: %s", result.Message)
	}
}

// Rollback re-applies the most recent superseded release record for the
// workload. On success that record becomes the active release again.
func (p *Pipeline) Rollback(ctx context.Context, namespace, name string, timeout time.Duration) error {
	prev, err := p.releases.Previous(namespace, name)
	if err != nil {
		return err
	}
	log.Printf("[INFO] Rolling back %s/%s to %s", namespace, name, prev.Image)

	manifest, err := deploy.Render(p.Template, deploy.Values{
		Namespace: namespace,
		Name:      name,
		Image:     prev.Image,
		Replicas:  prev.Replicas,
	})
	if err != nil {
		return err
	}

	result, err := p.deployer.Apply(ctx, manifest, timeout)
	if err != nil {
		return err
	}
	if result.State != deploy.RolloutSucceeded {
		return fmt.Errorf("rollback rollout %s: %s", result.State, result.Message)
	}

	_, err = p.releases.Supersede(namespace, name, prev.Image, prev.Replicas, result.State)
	return err
}

func (p *Pipeline) recordRun(spec RunSpec, status, errMsg string) {
	now := p.clock.Now()
	run := db.PipelineRun{RunID: spec.RunID, SourceRev: spec.SourceRev, Status: status, Error: errMsg}
	if status == db.RunSucceeded || status == db.RunFailed {
		run.FinishedAt = &now
	}

	var existing db.PipelineRun
	err := p.db.Where("run_id = ?", spec.RunID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = p.db.Create(&run).Error
	} else if err == nil {
		err = p.db.Model(&existing).Updates(map[string]any{
			"status": status, "error": errMsg, "finished_at": run.FinishedAt,
		}).Error
	}
	if err != nil {
		log.Printf("[ERROR] Recording run %s: %v", spec.RunID, err)
	}

	if status == db.RunSucceeded || status == db.RunFailed {
		p.emit(messaging.SubjectRunStatus, messaging.RunStatus{
			RunID: spec.RunID, Status: status, Error: errMsg, EndedAt: now,
		})
	}
}

func (p *Pipeline) stage(runID, stage, status, message string) {
	var existing db.StageRecord
	err := p.db.Where("run_id = ? AND stage = ?", runID, stage).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = p.db.Create(&db.StageRecord{RunID: runID, Stage: stage, Status: status, Message: message}).Error
	} else if err == nil {
		err = p.db.Model(&existing).Updates(map[string]any{"status": status, "message": message}).Error
	}
	if err != nil {
		log.Printf("[ERROR] Recording stage %s/%s: %v", runID, stage, err)
	}

	p.emit(messaging.SubjectStageStatus, messaging.StageStatus{
		RunID: runID, Stage: stage, Status: status, Message: message, Timestamp: p.clock.Now(),
	})
}

func (p *Pipeline) emit(subject string, payload any) {
	if p.nc == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[ERROR] Marshalling %s event: %v", subject, err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		log.Printf("[ERROR] Publishing %s event: %v", subject, err)
	}
}
