package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"buildcalc/server/internal/app"
)

// rootFlags override their environment variable only when set.
type rootFlags struct {
	engineURL    string
	entityID     string
	catalogPaths []string
	buildPath    string
	outputs      []string
	callTimeout  time.Duration
	logSinks     []string
	logSeverity  string
}

// newRootCmd assembles the command tree. cfg is resolved before any
// subcommand runs.
func newRootCmd() *cobra.Command {
	var flags rootFlags
	cfg := new(app.Config)

	rootCmd := &cobra.Command{
		Use:   "buildcalc",
		Short: "Incremental build calculator client",
		Long: `buildcalc tracks the contributions of gear, skills, relics, constellations,
bells, statuses and world tiers for one entity and sends only what changed
to the stat engine.

Configuration comes from the environment (ENGINE_URL, CATALOG_PATHS,
BUILD_PATH, ...) and is overridden by the flags below.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := app.LoadConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, &loaded)
			*cfg = loaded
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.engineURL, "engine", "", "Engine websocket URL (or set ENGINE_URL)")
	rootCmd.PersistentFlags().StringVar(&flags.entityID, "entity", "", "Entity id sent to the engine (default: random)")
	rootCmd.PersistentFlags().StringSliceVar(&flags.catalogPaths, "catalog", nil, "Catalog files, later files override earlier ones")
	rootCmd.PersistentFlags().StringVarP(&flags.buildPath, "build", "b", "", "Build file to evaluate")
	rootCmd.PersistentFlags().StringSliceVar(&flags.outputs, "outputs", nil, "Stats to request from the engine")
	rootCmd.PersistentFlags().DurationVar(&flags.callTimeout, "timeout", 0, "Per-call engine timeout")
	rootCmd.PersistentFlags().StringSliceVar(&flags.logSinks, "log-sinks", nil, "Event sinks: console, json")
	rootCmd.PersistentFlags().StringVar(&flags.logSeverity, "log-severity", "", "Minimum event severity: debug, info, warn, error")

	rootCmd.AddCommand(newEvalCmd(cfg))
	rootCmd.AddCommand(newWatchCmd(cfg))
	rootCmd.AddCommand(newDeltaCmd(cfg))
	rootCmd.AddCommand(newExplainCmd(cfg))
	rootCmd.AddCommand(newEngineCmd(cfg))
	return rootCmd
}

func (f *rootFlags) apply(cmd *cobra.Command, c *app.Config) {
	changed := func(name string) bool {
		flag := cmd.Flag(name)
		return flag != nil && flag.Changed
	}
	if changed("engine") {
		c.EngineURL = f.engineURL
	}
	if changed("entity") {
		c.EntityID = f.entityID
	}
	if changed("catalog") {
		c.CatalogPaths = f.catalogPaths
	}
	if changed("build") {
		c.BuildPath = f.buildPath
	}
	if changed("outputs") {
		c.Outputs = f.outputs
	}
	if changed("timeout") {
		c.CallTimeout = f.callTimeout
	}
	if changed("log-sinks") {
		c.LogSinks = f.logSinks
	}
	if changed("log-severity") {
		c.LogMinSeverity = f.logSeverity
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
