package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/veletrix/warden/internal/config"
	"github.com/veletrix/warden/internal/ratelimit"
)

func init() {
	profilesCmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage credential profiles",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured profiles and their rate-limit history",
		RunE:  runProfilesList,
	}

	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a credential profile",
		Args:  cobra.ExactArgs(1),
		RunE:  runProfilesAdd,
	}
	addCmd.Flags().String("token", "", "API token credential")
	addCmd.Flags().String("config-dir", "", "Config-directory credential")
	addCmd.Flags().String("description", "", "Optional description")

	useCmd := &cobra.Command{
		Use:   "use <name>",
		Short: "Set the active profile",
		Args:  cobra.ExactArgs(1),
		RunE:  runProfilesUse,
	}

	removeCmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a profile",
		Args:  cobra.ExactArgs(1),
		RunE:  runProfilesRemove,
	}

	profilesCmd.AddCommand(listCmd, addCmd, useCmd, removeCmd)
	rootCmd.AddCommand(profilesCmd)
}

func runProfilesList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if len(cfg.Profiles) == 0 {
		fmt.Println("No profiles configured. Add one with " + styleBoldWhite + "warden profiles add" + colorReset + ".")
		return nil
	}

	tracker := ratelimit.New(config.Dir())
	if err := tracker.Load(); err != nil {
		return fmt.Errorf("loading rate-limit history: %w", err)
	}

	for _, p := range cfg.Profiles {
		marker := "  "
		if p.Name == cfg.ActiveProfile {
			marker = styleBoldCyan + "* " + colorReset
		}
		mode := "config-dir"
		if p.Token != "" {
			mode = "token"
		}
		line := fmt.Sprintf("%s%s (%s)", marker, p.Name, mode)
		if st := tracker.State(p.Name); st != nil && !st.LastRateLimit.IsZero() {
			line += fmt.Sprintf("  last rate limit %s ago", time.Since(st.LastRateLimit).Round(time.Minute))
		}
		fmt.Println(line)
	}
	return nil
}

func runProfilesAdd(cmd *cobra.Command, args []string) error {
	name := args[0]
	token, _ := cmd.Flags().GetString("token")
	configDir, _ := cmd.Flags().GetString("config-dir")
	description, _ := cmd.Flags().GetString("description")

	if token == "" && configDir == "" {
		return fmt.Errorf("one of --token or --config-dir is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if _, exists := cfg.FindProfile(name); exists {
		return fmt.Errorf("profile %q already exists", name)
	}
	cfg.Profiles = append(cfg.Profiles, config.Profile{
		Name:        name,
		Token:       token,
		ConfigDir:   configDir,
		Description: description,
	})
	if cfg.ActiveProfile == "" {
		cfg.ActiveProfile = name
	}
	if err := cfg.Save(); err != nil {
		return err
	}
	fmt.Printf("Added profile %q.\n", name)
	return nil
}

func runProfilesUse(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.SetActive(args[0]); err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return err
	}
	fmt.Printf("Active profile is now %q.\n", args[0])
	return nil
}

func runProfilesRemove(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	kept := cfg.Profiles[:0]
	found := false
	for _, p := range cfg.Profiles {
		if p.Name == name {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return fmt.Errorf("profile %q not found", name)
	}
	cfg.Profiles = kept
	if cfg.ActiveProfile == name {
		cfg.ActiveProfile = ""
	}
	if err := cfg.Save(); err != nil {
		return err
	}
	fmt.Printf("Removed profile %q.\n", name)
	return nil
}
