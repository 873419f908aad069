package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v3"
	"gorm.io/gorm"

	"github.com/conveyhq/convey/internal/cloud"
	"github.com/conveyhq/convey/internal/config"
	"github.com/conveyhq/convey/internal/db"
	"github.com/conveyhq/convey/internal/deploy"
	"github.com/conveyhq/convey/internal/image"
	"github.com/conveyhq/convey/internal/messaging"
	"github.com/conveyhq/convey/internal/pipeline"
	"github.com/conveyhq/convey/internal/planner"
	"github.com/conveyhq/convey/internal/release"
	"github.com/conveyhq/convey/internal/server/sweeper"
	"github.com/conveyhq/convey/internal/state"
)

func main() {
	cmd := &cli.Command{
		Name:  "convey-server",
		Usage: "The control plane for the convey deployment pipeline.",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the convey server and embedded NATS",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "http-addr", Value: "0.0.0.0:8080", Usage: "HTTP server bind address"},
					&cli.StringFlag{Name: "db-path", Value: "convey.db", Usage: "Path to the SQLite database file"},
					&cli.StringFlag{Name: "nats-addr", Value: "0.0.0.0:4222", Usage: "NATS server bind address (host:port)"},
					&cli.StringFlag{Name: "provisioner-socket", Value: "", Usage: "Unix socket of the provisioner daemon; empty runs the built-in simulator"},
					&cli.StringFlag{Name: "config-file", Value: "", Usage: "JSON file with deployment configuration defaults"},
					&cli.StringFlag{Name: "source-dir", Value: ".", Usage: "Application source directory used as the build context"},
					&cli.StringFlag{Name: "dockerfile", Value: "Dockerfile", Usage: "Dockerfile path relative to the source directory"},
					&cli.StringFlag{Name: "registry-user", Value: "", Sources: cli.EnvVars("CONVEY_REGISTRY_USER"), Usage: "Registry username"},
					&cli.StringFlag{Name: "registry-pass", Value: "", Sources: cli.EnvVars("CONVEY_REGISTRY_PASS"), Usage: "Registry password"},
					&cli.DurationFlag{Name: "sweep-interval", Value: 30 * time.Second, Usage: "Interval for sweeping expired state leases"},
				},
				Action: runServer,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	log.Println("Starting Convey Server...")

	// 1. Initialize Database
	dbPath := cmd.Value("db-path").(string)
	gormDB, err := db.NewDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// 2. Load deployment configuration defaults
	baseCfg := config.Default()
	if path := cmd.Value("config-file").(string); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		baseCfg, err = config.Merge(baseCfg, data)
		if err != nil {
			return err
		}
	}

	// 3. Assemble the pipeline
	stateStore := state.NewStore(gormDB, clock.WallClock)
	var provider cloud.Provider
	if socket := cmd.Value("provisioner-socket").(string); socket != "" {
		provider = cloud.NewRPCProvider(socket)
		log.Printf("Using provisioner daemon at %s", socket)
	} else {
		provider = cloud.NewSimulator()
		log.Println("Using built-in provisioning simulator")
	}
	pln := planner.New(stateStore, provider, clock.WallClock)

	publisher, err := image.NewPublisher()
	if err != nil {
		return fmt.Errorf("failed to create image publisher: %w", err)
	}
	cluster, err := deploy.NewDockerCluster()
	if err != nil {
		return fmt.Errorf("failed to create cluster client: %w", err)
	}
	deployer := deploy.NewDeployer(cluster, clock.WallClock)
	releases := release.NewStore(gormDB)

	// 4. Start the lease sweeper
	sweepSvc := sweeper.NewService(stateStore, cmd.Value("sweep-interval").(time.Duration))
	sweepSvc.Start()
	defer sweepSvc.Stop()

	// 5. Start Embedded NATS Server
	natsAddr := cmd.Value("nats-addr").(string)
	natsHost, natsPort, err := net.SplitHostPort(natsAddr)
	if err != nil {
		return fmt.Errorf("invalid nats-addr format: %w", err)
	}
	natsPortInt, _ := strconv.Atoi(natsPort)
	ns, err := server.NewServer(&server.Options{Host: natsHost, Port: natsPortInt})
	if err != nil {
		return fmt.Errorf("could not start embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		return fmt.Errorf("embedded NATS server did not become ready")
	}
	log.Printf("Embedded NATS server started on %s", natsAddr)
	natsURL := ns.ClientURL()

	// 6. Connect to our own embedded NATS
	nc, err := messaging.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	pipe := pipeline.New(gormDB, stateStore, pln, publisher, deployer, releases, nc, clock.WallClock)

	// 7. Subscribe to Subjects
	_, err = nc.Subscribe(messaging.SubjectRunEnqueue, runTaskHandler(ctx, gormDB, pipe, baseCfg,
		cmd.Value("source-dir").(string),
		cmd.Value("dockerfile").(string),
		cmd.Value("registry-user").(string),
		cmd.Value("registry-pass").(string),
	))
	if err != nil {
		return fmt.Errorf("failed to subscribe to run tasks: %w", err)
	}
	_, err = nc.Subscribe(messaging.SubjectStageStatus, stageStatusHandler())
	if err != nil {
		return fmt.Errorf("failed to subscribe to stage status: %w", err)
	}
	log.Println("Subscribed to run tasks and stage statuses.")

	// 8. Start Chi HTTP Server
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": "pong"})
	})
	r.Post("/runs", runCreateHandler(gormDB, nc))
	r.Get("/runs", runListHandler(gormDB))
	r.Get("/runs/{id}", runGetHandler(gormDB))
	r.Get("/releases", releaseListHandler(releases))
	r.Post("/releases/{namespace}/{name}/rollback", rollbackHandler(pipe, baseCfg))

	httpAddr := cmd.Value("http-addr").(string)
	log.Printf("HTTP server listening on %s", httpAddr)
	return http.ListenAndServe(httpAddr, r)
}

// runRequest is the pipeline trigger payload: a source revision plus
// optional configuration overrides for this run.
type runRequest struct {
	SourceRev string          `json:"source_rev"`
	Overrides json.RawMessage `json:"overrides,omitempty"`
}

func runCreateHandler(gormDB *gorm.DB, nc *nats.Conn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.SourceRev == "" {
			http.Error(w, "source_rev is required", http.StatusBadRequest)
			return
		}

		run := db.PipelineRun{
			RunID:     uuid.NewString(),
			SourceRev: req.SourceRev,
			Status:    db.RunPending,
		}
		if err := gormDB.Create(&run).Error; err != nil {
			http.Error(w, fmt.Sprintf("Failed to save run: %v", err), http.StatusInternalServerError)
			return
		}

		task := messaging.RunTask{
			RunID:     run.RunID,
			SourceRev: req.SourceRev,
			Overrides: req.Overrides,
		}
		taskBytes, err := json.Marshal(task)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to create task: %v", err), http.StatusInternalServerError)
			return
		}
		if err := nc.Publish(messaging.SubjectRunEnqueue, taskBytes); err != nil {
			http.Error(w, fmt.Sprintf("Failed to publish task: %v", err), http.StatusInternalServerError)
			return
		}

		log.Printf("[INFO] Enqueued pipeline run %s for revision %s", run.RunID, req.SourceRev)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(run)
	}
}

func runListHandler(gormDB *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var runs []db.PipelineRun
		if err := gormDB.Order("id DESC").Limit(50).Find(&runs).Error; err != nil {
			http.Error(w, fmt.Sprintf("Failed to list runs: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runs)
	}
}

func runGetHandler(gormDB *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "id")

		var run db.PipelineRun
		if err := gormDB.First(&run, "run_id = ?", runID).Error; err != nil {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		var stages []db.StageRecord
		gormDB.Where("run_id = ?", runID).Order("id").Find(&stages)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"run":    run,
			"stages": stages,
		})
	}
}

func releaseListHandler(releases *release.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := releases.List()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to list releases: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(recs)
	}
}

func rollbackHandler(pipe *pipeline.Pipeline, baseCfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		namespace := chi.URLParam(r, "namespace")
		name := chi.URLParam(r, "name")

		if err := pipe.Rollback(r.Context(), namespace, name, baseCfg.RolloutTimeout); err != nil {
			http.Error(w, fmt.Sprintf("Rollback failed: %v", err), http.StatusConflict)
			return
		}

		log.Printf("[INFO] Rolled back %s/%s", namespace, name)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "rolled back"})
	}
}

func runTaskHandler(ctx context.Context, gormDB *gorm.DB, pipe *pipeline.Pipeline, baseCfg config.Config, sourceDir, dockerfile, registryUser, registryPass string) nats.MsgHandler {
	return func(m *nats.Msg) {
		var task messaging.RunTask
		if err := json.Unmarshal(m.Data, &task); err != nil {
			log.Printf("[ERROR] Unmarshalling run task: %v", err)
			return
		}

		cfg, err := config.Merge(baseCfg, task.Overrides)
		if err != nil {
			log.Printf("[ERROR] Run %s has invalid overrides: %v", task.RunID, err)
			gormDB.Model(&db.PipelineRun{}).Where("run_id = ?", task.RunID).
				Updates(map[string]any{"status": db.RunFailed, "error": err.Error()})
			return
		}

		// One worker goroutine per run; runs against the same environment
		// serialize on the state lease, unrelated builds may overlap.
		go func() {
			err := pipe.Run(ctx, pipeline.RunSpec{
				RunID:        task.RunID,
				SourceRev:    task.SourceRev,
				Config:       cfg,
				SourceDir:    sourceDir,
				Dockerfile:   dockerfile,
				RegistryUser: registryUser,
				RegistryPass: registryPass,
			})
			if err != nil {
				log.Printf("[ERROR] Run %s finished with error: %v", task.RunID, err)
			}
		}()
	}
}

func stageStatusHandler() nats.MsgHandler {
	return func(m *nats.Msg) {
		var status messaging.StageStatus
		if err := json.Unmarshal(m.Data, &status); err != nil {
			log.Printf("[ERROR] Unmarshalling stage status: %v", err)
			return
		}
		log.Printf("[INFO] Run %s stage %s: %s %s", status.RunID, status.Stage, status.Status, status.Message)
	}
}
