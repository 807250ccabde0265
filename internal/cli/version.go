package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veletrix/warden/internal/buildinfo"
)

func init() {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			bi := buildinfo.Current()
			fmt.Printf("warden %s (%s, built %s)\n", bi.Version, bi.CommitHash, bi.BuildDate)
		},
	}
	rootCmd.AddCommand(cmd)
}
