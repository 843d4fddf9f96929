// Command workflowctl compiles and runs a single workflow document to
// completion against an in-process engine, exiting 0 on Completed and
// non-zero on Failed.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayflow/relayflow/dsl"
	"github.com/relayflow/relayflow/engine"
	"github.com/relayflow/relayflow/function"
	"github.com/relayflow/relayflow/httpfunc"
	"github.com/relayflow/relayflow/store"
	"github.com/relayflow/relayflow/store/memory"
	"github.com/relayflow/relayflow/value"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "workflowctl",
		Short: "Compile and run a workflow document",
		Long:  "workflowctl compiles a YAML or JSON workflow document and runs it to completion against an in-process engine.",
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newCompileCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <document>",
		Short: "Compile and run a workflow document to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := dsl.LoadFile(args[0])
			if err != nil {
				return fmt.Errorf("loading document: %w", err)
			}

			functions := function.NewRegistry()
			httpCfg := httpfunc.Config{}
			if err := httpfunc.LoadConfig(&httpCfg); err != nil {
				return err
			}
			if err := functions.Register(httpfunc.New(httpCfg)); err != nil {
				return err
			}

			eng, err := engine.New(engine.Config{}, memory.NewStateStore(), memory.NewQueue(1024), functions, engine.NewLoggingObserver(nil))
			if err != nil {
				return fmt.Errorf("creating engine: %w", err)
			}

			bp, err := eng.Compile(doc)
			if err != nil {
				return fmt.Errorf("compile failed: %w", err)
			}
			bpID := eng.RegisterBlueprint(bp)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			eng.StartWorkers(ctx)
			defer eng.Stop()

			initialVars := make(map[string]value.Value, len(doc.Workflow.Variables))
			for k, v := range doc.Workflow.Variables {
				initialVars[k] = value.FromNative(v)
			}

			instanceID, err := eng.Start(ctx, bpID, initialVars)
			if err != nil {
				return fmt.Errorf("starting instance: %w", err)
			}

			for {
				st, err := eng.Status(ctx, instanceID)
				if err != nil {
					return fmt.Errorf("checking status: %w", err)
				}
				switch st.State {
				case store.StatusCompleted:
					vars, err := eng.Variables(ctx, instanceID)
					if err != nil {
						return err
					}
					printVars(vars)
					return nil
				case store.StatusFailed:
					if st.Cause != nil {
						return fmt.Errorf("instance failed: %s: %s (node %d)", st.Cause.Kind, st.Cause.Message, st.Cause.NodeIndex)
					}
					return fmt.Errorf("instance failed")
				}
				select {
				case <-ctx.Done():
					return fmt.Errorf("timed out waiting for instance to finish: %w", ctx.Err())
				case <-time.After(10 * time.Millisecond):
				}
			}
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "maximum time to wait for the workflow to finish")
	return cmd
}

func newCompileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compile <document>",
		Short: "Compile a workflow document and report any errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := dsl.LoadFile(args[0])
			if err != nil {
				return fmt.Errorf("loading document: %w", err)
			}
			eng, err := engine.New(engine.Config{}, memory.NewStateStore(), memory.NewQueue(1), function.NewRegistry(), nil)
			if err != nil {
				return err
			}
			bp, err := eng.Compile(doc)
			if err != nil {
				return fmt.Errorf("compile failed: %w", err)
			}
			fmt.Printf("compiled %q: %d nodes, start index %d\n", bp.Metadata.ID, len(bp.Nodes), bp.StartIndex)
			return nil
		},
	}
}

func printVars(vars map[string]value.Value) {
	for k, v := range vars {
		fmt.Printf("%s = %v\n", k, v.Native())
	}
}
