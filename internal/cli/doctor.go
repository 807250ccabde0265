package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veletrix/warden/internal/config"
	"github.com/veletrix/warden/internal/detect"
)

func init() {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local worker runtime and agent tool setup",
		RunE:  runDoctor,
	}
	rootCmd.AddCommand(cmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Println(colorBold + "Detected tools:" + colorReset)
	tools := detect.Scan()
	if len(tools) == 0 {
		fmt.Println("  " + colorYellow + "none found" + colorReset)
	}
	for _, tool := range tools {
		fmt.Printf("  %s%-12s%s %-12s v%-10s %s\n", colorGreen, tool.Name, colorReset, tool.Kind, tool.Version, tool.Path)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Println()
	fmt.Println(colorBold + "Worker command:" + colorReset)
	if worker, err := detect.ResolveWorker(cfg.WorkerCommand); err != nil {
		fmt.Println("  " + colorRed + err.Error() + colorReset)
	} else {
		fmt.Println("  " + worker)
	}

	fmt.Println()
	fmt.Println(colorBold + "Profiles:" + colorReset)
	if len(cfg.Profiles) == 0 {
		fmt.Println("  " + colorYellow + "none configured" + colorReset)
	}
	for _, p := range cfg.Profiles {
		active := ""
		if p.Name == cfg.ActiveProfile {
			active = " (active)"
		}
		fmt.Printf("  %s%s\n", p.Name, active)
	}

	fmt.Println()
	fmt.Printf("%sConfig dir:%s %s\n", colorBold, colorReset, config.Dir())
	return nil
}
