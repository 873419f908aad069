package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/urfave/cli/v3"
	"gorm.io/gorm"

	"github.com/conveyhq/convey/internal/cloud"
	"github.com/conveyhq/convey/internal/config"
	"github.com/conveyhq/convey/internal/db"
	"github.com/conveyhq/convey/internal/deploy"
	"github.com/conveyhq/convey/internal/image"
	"github.com/conveyhq/convey/internal/pipeline"
	"github.com/conveyhq/convey/internal/planner"
	"github.com/conveyhq/convey/internal/release"
	"github.com/conveyhq/convey/internal/state"
)

func main() {
	commonFlags := []cli.Flag{
		&cli.StringFlag{Name: "db-path", Value: "convey.db", Usage: "Path to the SQLite database file"},
		&cli.StringFlag{Name: "config-file", Value: "", Usage: "JSON file with deployment configuration"},
		&cli.StringFlag{Name: "provisioner-socket", Value: "", Usage: "Unix socket of the provisioner daemon; empty runs the built-in simulator"},
	}

	cmd := &cli.Command{
		Name:  "convey",
		Usage: "Run deployment pipelines from the command line.",
		Commands: []*cli.Command{
			{
				Name:   "plan",
				Usage:  "Show the infrastructure changes the next run would apply",
				Flags:  commonFlags,
				Action: runPlan,
			},
			{
				Name:  "run",
				Usage: "Execute one full pipeline run: provision, publish, deploy",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "source-rev", Value: "local", Usage: "Source revision being deployed"},
					&cli.StringFlag{Name: "source-dir", Value: ".", Usage: "Application source directory used as the build context"},
					&cli.StringFlag{Name: "dockerfile", Value: "Dockerfile", Usage: "Dockerfile path relative to the source directory"},
					&cli.StringFlag{Name: "registry-user", Value: "", Sources: cli.EnvVars("CONVEY_REGISTRY_USER"), Usage: "Registry username"},
					&cli.StringFlag{Name: "registry-pass", Value: "", Sources: cli.EnvVars("CONVEY_REGISTRY_PASS"), Usage: "Registry password"},
				}, commonFlags...),
				Action: runPipeline,
			},
			{
				Name:      "rollback",
				Usage:     "Re-apply the previous release record for a workload",
				ArgsUsage: "<namespace> <name>",
				Flags:     commonFlags,
				Action:    runRollback,
			},
			{
				Name:  "state",
				Usage: "Inspect remote state",
				Flags: commonFlags,
				Commands: []*cli.Command{
					{Name: "show", Usage: "Print the committed state document (sensitive outputs redacted)", Flags: commonFlags, Action: runStateShow},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg := config.Default()
	if path := cmd.Value("config-file").(string); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		return config.Merge(cfg, data)
	}
	return cfg, nil
}

func openStores(cmd *cli.Command) (*gorm.DB, *state.Store, error) {
	gormDB, err := db.NewDatabase(cmd.Value("db-path").(string))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return gormDB, state.NewStore(gormDB, clock.WallClock), nil
}

func selectProvider(cmd *cli.Command) cloud.Provider {
	if socket := cmd.Value("provisioner-socket").(string); socket != "" {
		return cloud.NewRPCProvider(socket)
	}
	return cloud.NewSimulator()
}

func runPlan(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	_, store, err := openStores(cmd)
	if err != nil {
		return err
	}

	current, err := store.Read(cfg.State.String())
	if err != nil {
		return err
	}

	pln := planner.New(store, selectProvider(cmd), clock.WallClock)
	cs, err := pln.Plan(cfg, current)
	if err != nil {
		return err
	}

	if cs.Empty() {
		fmt.Println("No changes. Infrastructure matches the configuration.")
		return nil
	}
	fmt.Printf("Plan for %s (serial %d):\n", cfg.State.String(), current.Serial)
	for _, c := range cs.Changes {
		fmt.Printf("  %s %s/%s\n", c.Action, c.ResourceType, c.Name)
		for k, v := range c.Attributes {
			fmt.Printf("      %s = %s\n", k, v)
		}
	}
	return nil
}

func runPipeline(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	gormDB, store, err := openStores(cmd)
	if err != nil {
		return err
	}

	publisher, err := image.NewPublisher()
	if err != nil {
		return fmt.Errorf("failed to create image publisher: %w", err)
	}
	cluster, err := deploy.NewDockerCluster()
	if err != nil {
		return fmt.Errorf("failed to create cluster client: %w", err)
	}

	pln := planner.New(store, selectProvider(cmd), clock.WallClock)
	deployer := deploy.NewDeployer(cluster, clock.WallClock)
	releases := release.NewStore(gormDB)
	pipe := pipeline.New(gormDB, store, pln, publisher, deployer, releases, nil, clock.WallClock)

	runID := uuid.NewString()
	err = pipe.Run(ctx, pipeline.RunSpec{
		RunID:        runID,
		SourceRev:    cmd.Value("source-rev").(string),
		Config:       cfg,
		SourceDir:    cmd.Value("source-dir").(string),
		Dockerfile:   cmd.Value("dockerfile").(string),
		RegistryUser: cmd.Value("registry-user").(string),
		RegistryPass: cmd.Value("registry-pass").(string),
	})
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	fmt.Printf("Run %s succeeded.\n", runID)
	return nil
}

func runRollback(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args()
	if args.Len() != 2 {
		return fmt.Errorf("usage: convey rollback <namespace> <name>")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	gormDB, store, err := openStores(cmd)
	if err != nil {
		return err
	}

	publisher, err := image.NewPublisher()
	if err != nil {
		return fmt.Errorf("failed to create image publisher: %w", err)
	}
	cluster, err := deploy.NewDockerCluster()
	if err != nil {
		return fmt.Errorf("failed to create cluster client: %w", err)
	}

	pln := planner.New(store, selectProvider(cmd), clock.WallClock)
	deployer := deploy.NewDeployer(cluster, clock.WallClock)
	releases := release.NewStore(gormDB)
	pipe := pipeline.New(gormDB, store, pln, publisher, deployer, releases, nil, clock.WallClock)

	timeout := cfg.RolloutTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if err := pipe.Rollback(ctx, args.Get(0), args.Get(1), timeout); err != nil {
		return err
	}
	fmt.Printf("Rolled back %s/%s.\n", args.Get(0), args.Get(1))
	return nil
}

func runStateShow(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	_, store, err := openStores(cmd)
	if err != nil {
		return err
	}

	doc, err := store.Read(cfg.State.String())
	if err != nil {
		return err
	}

	view := map[string]any{
		"version":   doc.Version,
		"serial":    doc.Serial,
		"lineage":   doc.Lineage,
		"outputs":   doc.RedactedOutputs(),
		"resources": doc.Resources,
	}
	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
