package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/veletrix/warden/internal/config"
	"github.com/veletrix/warden/internal/detect"
	"github.com/veletrix/warden/internal/events"
	"github.com/veletrix/warden/internal/launch"
	"github.com/veletrix/warden/internal/ratelimit"
	"github.com/veletrix/warden/internal/supervisor"
)

func init() {
	cmd := &cobra.Command{
		Use:   "run <task-key> [-- command args...]",
		Short: "Supervise a worker process for a task",
		Long: `Launches a worker under supervision and streams its output, phase
progress, and failure notifications to the terminal. Without an explicit
command the configured worker interpreter is used.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRun,
	}
	cmd.Flags().String("profile", "", "Credential profile to run under (default: active profile)")
	cmd.Flags().String("dir", "", "Working directory for the worker")
	cmd.Flags().Bool("pty", false, "Run the worker under a pseudo-terminal")
	cmd.Flags().Bool("no-failover", false, "Disable automatic profile swap on rate limit")
	rootCmd.AddCommand(cmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	taskKey := args[0]
	profile, _ := cmd.Flags().GetString("profile")
	dir, _ := cmd.Flags().GetString("dir")
	usePty, _ := cmd.Flags().GetBool("pty")
	noFailover, _ := cmd.Flags().GetBool("no-failover")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if noFailover {
		cfg.Failover.Auto = false
	}

	command, cmdArgs, err := workerCommand(cfg, args[1:])
	if err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()
	tracker := ratelimit.New(config.Dir())
	if err := tracker.Load(); err != nil {
		return fmt.Errorf("loading rate-limit history: %w", err)
	}
	sup := supervisor.New(cfg, &launch.ExecLauncher{}, bus, tracker)

	ch, cancel := bus.Subscribe(256)
	defer cancel()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := supervisor.StartRequest{
		TaskKey:     taskKey,
		Command:     command,
		Args:        cmdArgs,
		Dir:         dir,
		Profile:     profile,
		Restartable: true,
		UsePty:      usePty,
	}
	if err := sup.Start(ctx, req); err != nil {
		return err
	}

	color := isatty.IsTerminal(os.Stdout.Fd())
	exitCode, err := streamEvents(ctx, ch, taskKey, color)
	if err != nil {
		sup.KillAll()
		sup.Wait()
		if serr := tracker.Save(); serr != nil {
			fmt.Fprintf(os.Stderr, "Warning: saving rate-limit history: %v\n", serr)
		}
		return err
	}

	sup.Wait()
	if serr := tracker.Save(); serr != nil {
		fmt.Fprintf(os.Stderr, "Warning: saving rate-limit history: %v\n", serr)
	}
	if exitCode != 0 {
		return fmt.Errorf("worker exited with code %d", exitCode)
	}
	return nil
}

// workerCommand resolves the executable and arguments for a run. Explicit
// args after "--" win; otherwise the configured interpreter runs alone.
func workerCommand(cfg *config.Config, rest []string) (string, []string, error) {
	if len(rest) > 0 {
		return rest[0], rest[1:], nil
	}
	command, err := detect.ResolveWorker(cfg.WorkerCommand)
	if err != nil {
		return "", nil, err
	}
	return command, nil, nil
}

// streamEvents renders bus events for one task until its exit arrives.
func streamEvents(ctx context.Context, ch <-chan events.Msg, taskKey string, color bool) (int, error) {
	paint := func(style, s string) string {
		if !color {
			return s
		}
		return style + s + colorReset
	}

	for {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("interrupted")
		case msg, ok := <-ch:
			if !ok {
				return 0, fmt.Errorf("event stream closed")
			}
			switch m := msg.(type) {
			case events.LogMsg:
				fmt.Println(m.Line)
			case events.ProgressMsg:
				p := m.Progress
				fmt.Printf("%s phase=%s %d%% overall=%d%%\n",
					paint(colorCyan, "[progress]"), p.Phase, p.PhaseProgress, p.OverallProgress)
			case events.RateLimitMsg:
				if m.WasAutoSwapped {
					fmt.Printf("%s %s\n", paint(styleBoldYellow, "[rate-limit]"), m.Message)
				} else {
					fmt.Printf("%s profile %s is rate limited (%s)", paint(styleBoldYellow, "[rate-limit]"), m.Profile, m.LimitType)
					if m.ResetTime != "" {
						fmt.Printf(", resets %s", m.ResetTime)
					}
					if m.SuggestedProfile != "" {
						fmt.Printf("; try profile %q", m.SuggestedProfile)
					}
					fmt.Println()
				}
			case events.AuthFailureMsg:
				fmt.Printf("%s %s\n", paint(colorRed, "[auth]"), m.Remediation)
			case events.ErrorMsg:
				fmt.Printf("%s %s\n", paint(colorRed, "[error]"), m.Message)
				return -1, fmt.Errorf("%s", m.Message)
			case events.ExitMsg:
				if m.TaskKey != taskKey {
					continue
				}
				if m.Code == 0 {
					fmt.Println(paint(colorGreen, "worker finished"))
				}
				return m.Code, nil
			}
		}
	}
}
