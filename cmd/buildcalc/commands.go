package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"buildcalc/server/internal/app"
	"buildcalc/server/internal/engine"
	"buildcalc/server/internal/evaluation"
)

func newEvalCmd(cfg *app.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "eval",
		Short: "Evaluate the build once and print the requested stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(cmd.Context(), *cfg, app.RunOptions{
				Stdout:   cmd.ErrOrStderr(),
				OnResult: printResult(cmd.OutOrStdout()),
			})
		},
	}
}

func newWatchCmd(cfg *app.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Re-evaluate whenever the build file changes",
		Long: `watch keeps a connection to the engine open and polls the build file.
Every change is reconciled into the adapters and only the resulting delta is
sent to the engine. Results are printed one JSON object per line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(cmd.Context(), *cfg, app.RunOptions{
				Stdout:   cmd.ErrOrStderr(),
				Watch:    true,
				OnResult: printResult(cmd.OutOrStdout()),
			})
		},
	}
}

func newDeltaCmd(cfg *app.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delta",
		Short: "Print the evaluation request the build would send, without contacting the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.NewRuntime(*cfg, nil, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			if err := rt.ApplyBuild(); err != nil {
				return err
			}
			req := engine.NewEvaluateRequest(rt.Config.EntityID, rt.Delta(), rt.Config.Outputs)
			return writeJSON(cmd.OutOrStdout(), req)
		},
	}
}

func newExplainCmd(cfg *app.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "explain STAT",
		Short: "Evaluate the build and print the contribution tree of one stat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var printErr error
			err := app.Run(cmd.Context(), *cfg, app.RunOptions{
				Stdout:  cmd.ErrOrStderr(),
				Explain: args[0],
				OnExplain: func(e engine.Explanation) {
					printErr = writeJSON(cmd.OutOrStdout(), e)
				},
			})
			if err != nil {
				return err
			}
			return printErr
		},
	}
}

func newEngineCmd(cfg *app.Config) *cobra.Command {
	var listenAddr string
	engineCmd := &cobra.Command{
		Use:   "engine",
		Short: "Serve the in-memory reference engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.ServeEngine(cmd.Context(), *cfg, listenAddr, nil)
		},
	}
	engineCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:7070", "Address the engine listens on")
	return engineCmd
}

func printResult(w io.Writer) func(evaluation.Result) {
	return func(res evaluation.Result) {
		if err := writeJSON(w, res); err != nil {
			fmt.Fprintf(w, "failed to print result: %v\n", err)
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
