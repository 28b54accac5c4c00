package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/furrowhq/furrow/pkg/allocator"
	"github.com/furrowhq/furrow/pkg/config"
	"github.com/furrowhq/furrow/pkg/log"
	"github.com/furrowhq/furrow/pkg/metrics"
	"github.com/furrowhq/furrow/pkg/sorter"
	"github.com/furrowhq/furrow/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "furrow",
	Short: "Furrow - Hierarchical fair-share resource allocator",
	Long: `Furrow allocates cluster resources to frameworks using two-level
Dominant Resource Fairness, with per-role quota guarantees, static
reservations, and decline filters.

It runs as a library inside an owning system; this binary hosts it
standalone for experiments and soak testing.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Furrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(sortersCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the allocator with a seeded cluster",
	Long: `Run the allocator standalone: seed agents, frameworks, quotas, and
reservations from the configuration file, log every emitted offer, and
serve Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		logger := log.WithComponent("main")

		allocCfg, err := cfg.AllocatorConfig()
		if err != nil {
			return err
		}
		alloc, err := allocator.New(allocCfg)
		if err != nil {
			return err
		}

		alloc.Initialize(
			func(fw types.FrameworkID, offers types.OfferBundle) {
				for role, byAgent := range offers {
					for agentID, rs := range byAgent {
						logger.Info().
							Str("framework_id", string(fw)).
							Str("role", string(role)).
							Str("agent_id", string(agentID)).
							Str("resources", rs.String()).
							Msg("offer emitted")
					}
				}
			},
			func(fw types.FrameworkID, agents []types.AgentID) {
				ids := make([]string, len(agents))
				for i, id := range agents {
					ids[i] = string(id)
				}
				logger.Info().
					Str("framework_id", string(fw)).
					Str("agents", strings.Join(ids, ",")).
					Msg("inverse offer emitted")
			},
		)
		defer alloc.Stop()

		if err := cfg.Seed(alloc); err != nil {
			return fmt.Errorf("failed to seed cluster: %v", err)
		}
		logger.Info().Msg("cluster seeded")

		sub := alloc.Events().Subscribe()
		defer alloc.Events().Unsubscribe(sub)
		go func() {
			for ev := range sub {
				logger.Debug().
					Str("event", string(ev.Type)).
					Str("message", ev.Message).
					Msg("allocator event")
			}
		}()

		if cfg.Metrics.Addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			go func() {
				if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
					logger.Error().Err(err).Msg("metrics server failed")
				}
			}()
			logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics server started")
		}

		fmt.Println("Allocator is running. Press Ctrl+C to stop.")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if _, err := config.Load(path); err != nil {
			return err
		}
		fmt.Printf("✓ %s is valid\n", path)
		return nil
	},
}

var sortersCmd = &cobra.Command{
	Use:   "sorters",
	Short: "List available sorter strategies",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range sorter.Names() {
			fmt.Println(name)
		}
	},
}

func init() {
	runCmd.Flags().String("config", "furrow.yaml", "Configuration file")
	validateCmd.Flags().String("config", "furrow.yaml", "Configuration file")
}
