// Package main provides the checkpoint CLI entrypoint.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/ckpt/internal/config"
	"github.com/joss/ckpt/internal/dag"
	"github.com/joss/ckpt/internal/metrics"
	"github.com/joss/ckpt/internal/render"
	"github.com/joss/ckpt/internal/runtime"
	"github.com/joss/ckpt/internal/session"
	"github.com/joss/ckpt/internal/store/filestore"
	"github.com/joss/ckpt/internal/store/memstore"
	"github.com/joss/ckpt/internal/store/sqlstore"
	"github.com/joss/ckpt/internal/value"
)

var (
	version = "0.1.0"

	pretty  = true
	agent   string
	backend string
	dataDir string

	sess *session.Session
	r    *render.Renderer
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Checkpoint-and-recovery substrate for AI agents",
		Long: `checkpoint persists an agent's state at every meaningful step so a
crashed, cancelled, or failed run can resume from the last good point
instead of starting over.

Use 'checkpoint demo' to see a run under a recovery strategy end to end.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			return openSession()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if sess != nil {
				sess.Close()
			}
		},
	}

	env := config.Current()
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", true, "colorize output")
	rootCmd.PersistentFlags().StringVar(&agent, "agent", env.AgentName, "agent name (CKPT_AGENT)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", env.Backend, "backend: memory, file, sqlite (CKPT_BACKEND)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", env.DataDir, "data directory for file/sqlite backends (CKPT_DATA_DIR)")

	rootCmd.AddCommand(
		versionCmd(),
		demoCmd(),
		logCmd(),
		treeCmd(),
		branchesCmd(),
		diffCmd(),
		inspectCmd(),
		rollbackCmd(),
		metricsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openSession() error {
	r = render.NewRenderer(pretty)
	if agent == "" {
		agent = "cli"
	}

	var b dag.Backend
	var err error
	switch backend {
	case "", "memory":
		b = memstore.New()
	case "file":
		dir := dataDir
		if dir == "" {
			dir = config.GetPaths().Data
		}
		b, err = filestore.Open(dir)
	case "sqlite":
		dir := dataDir
		if dir == "" {
			dir = config.GetPaths().Data
		}
		b, err = sqlstore.New(dir)
	default:
		return fmt.Errorf("unknown backend %q (want memory, file, or sqlite)", backend)
	}
	if err != nil {
		return fmt.Errorf("opening %s backend: %w", backend, err)
	}

	sess, err = session.New(context.Background(), b, agent)
	return err
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show checkpoint CLI version",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("checkpoint version %s\n", version)
		},
	}
}

func logCmd() *cobra.Command {
	var limit int
	var branch string
	var all bool
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show checkpoint history for a branch, or --all for every branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if all {
				hist, err := sess.AllHistory(ctx)
				if err != nil {
					return err
				}
				fmt.Print(r.History(hist))
				return nil
			}
			if branch == "" {
				branch = dag.MainBranch
			}
			hist, err := sess.History(ctx, branch, limit)
			if err != nil {
				return err
			}
			fmt.Print(r.History(hist))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max checkpoints to show (0 = all)")
	cmd.Flags().StringVarP(&branch, "branch", "b", "", "branch to show (default: main)")
	cmd.Flags().BoolVar(&all, "all", false, "show checkpoints from every branch, creation order ascending")
	return cmd
}

func treeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Visualize every branch's checkpoint chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := sess.VisualizeTree(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func branchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branches",
		Short: "List branches",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			branches, err := sess.Branches(ctx)
			if err != nil {
				return err
			}
			current := dag.MainBranch
			for _, b := range branches {
				if b.IsCurrent {
					current = b.Name
				}
			}
			fmt.Print(r.Branches(branches, current))
			return nil
		},
	}

	createCmd := &cobra.Command{
		Use:   "create <name> [from-checkpoint-id]",
		Short: "Create a branch",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from := ""
			if len(args) == 2 {
				from = args[1]
			}
			b, err := sess.CreateBranch(context.Background(), args[0], from)
			if err != nil {
				return err
			}
			fmt.Printf("created branch %s at %s\n", b.Name, b.HeadID)
			return nil
		},
	}

	switchCmd := &cobra.Command{
		Use:   "switch <name>",
		Short: "Switch the current branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sess.SwitchBranch(context.Background(), args[0])
		},
	}

	var strategy string
	mergeCmd := &cobra.Command{
		Use:   "merge <source> <target>",
		Short: "Merge source into target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := sess.Merge(context.Background(), args[0], args[1], dag.MergeStrategy(strategy))
			if err != nil {
				return err
			}
			fmt.Printf("merged %s into %s at %s\n", args[0], args[1], cp.ID)
			return nil
		},
	}
	mergeCmd.Flags().StringVar(&strategy, "strategy", string(dag.MergeStrategyPreferSource),
		"merge strategy: prefer_source, prefer_target, combine, prefer_higher_confidence")

	cmd.AddCommand(createCmd, switchCmd, mergeCmd)
	return cmd
}

func diffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <checkpoint-a> <checkpoint-b>",
		Short: "Compare the state of two checkpoints",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := sess.Diff(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Print(r.Diff(d))
			return nil
		},
	}
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <checkpoint-id>",
		Short: "Show full detail for one checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := sess.Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Print(r.Inspect(cp))
			return nil
		},
	}
}

func rollbackCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "rollback [checkpoint-id]",
		Short: "Roll the current branch back by steps, or to a specific checkpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if len(args) == 1 {
				return sess.Rollback(ctx, args[0])
			}
			return sess.RollbackSteps(ctx, steps)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "checkpoints to walk back when no checkpoint id is given")
	return cmd
}

func metricsCmd() *cobra.Command {
	var serve string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show session metrics, or serve them for Prometheus",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serve == "" {
				fmt.Print(r.Metrics(sess.Metrics()))
				return nil
			}
			srv := metrics.NewServer(serve, metrics.Global())
			if err := srv.Start(); err != nil {
				return err
			}
			fmt.Printf("serving metrics on %s/metrics (ctrl-c to stop)\n", serve)
			sm := runtime.NewShutdownManager(5 * time.Second)
			sm.Register("metrics-server", func(ctx context.Context) error { return srv.Stop(ctx) })
			sm.ListenForSignals()
			sm.WaitForShutdown()
			return nil
		},
	}
	cmd.Flags().StringVar(&serve, "serve", "", "bind address to serve /metrics instead of printing once (e.g. :9099)")
	return cmd
}

// demoCmd runs a short scripted session end to end: an initial
// checkpoint, a call that fails twice and succeeds on a later retry, a
// call that exhausts its retries and falls back, and then the main
// branch's history and the metrics snapshot.
func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted demo of checkpoint, retry, fallback, and rollback",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w := render.Stdout()

			state := value.Map(map[string]value.Value{
				"task":  value.String("summarize-report"),
				"model": value.String("primary-model"),
			})

			w.Section("checkpointing initial state")
			if _, err := sess.Checkpoint(ctx, state, nil, "starting task"); err != nil {
				return err
			}

			w.Section("running a call that fails twice, then succeeds")
			attempts := 0
			_, _, err := sess.SafeExecute(ctx, func(ctx context.Context, s value.Value) (value.Value, error) {
				attempts++
				if attempts < 3 {
					return value.Null(), fmt.Errorf("transient failure on attempt %d", attempts)
				}
				m, _ := s.AsMap()
				m["result"] = value.String("summary ready")
				return value.Map(m), nil
			}, state, "summarize report", 5, nil)
			if err != nil {
				return err
			}
			w.Item("%s succeeded after %d attempts", render.BoolIcon(true), attempts)

			w.Section("running a call that exhausts retries and falls back")
			_, fbCkpt, err := sess.SafeExecute(ctx, func(ctx context.Context, s value.Value) (value.Value, error) {
				return value.Null(), fmt.Errorf("primary model unavailable")
			}, state, "call primary model", 2, func(ctx context.Context, s value.Value, lastErr error) (value.Value, error) {
				m, _ := s.AsMap()
				m["model"] = value.String("fallback-model")
				m["result"] = value.String("degraded summary")
				return value.Map(m), nil
			})
			if err != nil {
				return err
			}
			w.Item("fell back to checkpoint %s", fbCkpt.ID)

			w.Section("final history")
			hist, err := sess.History(ctx, dag.MainBranch, 0)
			if err != nil {
				return err
			}
			fmt.Print(r.History(hist))

			w.Line()
			fmt.Print(r.Metrics(sess.Metrics()))
			return nil
		},
	}
}
