package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/veletrix/warden/internal/buildinfo"
	"github.com/veletrix/warden/internal/debug"
)

const (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"

	// Combined styles
	styleBoldCyan   = "\033[1;36m"
	styleBoldYellow = "\033[1;33m"
	styleBoldWhite  = "\033[1;37m"
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Process supervision and recovery engine for agent workers",
	Long: colorBold + `
 __      ____ _ _ __ __| | ___ _ __
 \ \ /\ / / _` + "`" + ` | '__/ _` + "`" + ` |/ _ \ '_ \
  \ V  V / (_| | | | (_| |  __/ | | |
   \_/\_/ \__,_|_|  \__,_|\___|_| |_|` + colorReset + `

  ` + styleBoldCyan + `Process Supervision & Recovery Engine` + colorReset + ` v` + buildinfo.Current().Version + `

  warden launches AI agent worker processes, tracks their execution
  phase from streamed output, and recovers from provider rate limits by
  failing over between credential profiles.

` + colorBold + `Getting Started:` + colorReset + `
  warden profiles add work --token $TOKEN   Register a credential profile
  warden run my-task -- python3 worker.py   Supervise a worker
  warden serve                              Expose the engine to the app shell
  warden doctor                             Check the local tool setup

` + colorBold + `More Info:` + colorReset + `
  https://github.com/veletrix/warden`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.warden/debug/")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "warden starting",
			"version", bi.Version,
			"commit", bi.CommitHash,
			"build_date", bi.BuildDate,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
}
