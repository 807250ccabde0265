package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veletrix/warden/internal/config"
	"github.com/veletrix/warden/internal/notify"
)

func init() {
	notifyCmd := &cobra.Command{
		Use:   "notify",
		Short: "Manage push notifications",
	}

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Set Pushover credentials for failure notifications",
		RunE:  runNotifySetup,
	}
	setupCmd.Flags().String("user-key", "", "Pushover user key")
	setupCmd.Flags().String("app-token", "", "Pushover application token")

	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Send a test notification",
		RunE:  runNotifyTest,
	}

	notifyCmd.AddCommand(setupCmd, testCmd)
	rootCmd.AddCommand(notifyCmd)
}

func runNotifySetup(cmd *cobra.Command, args []string) error {
	userKey, _ := cmd.Flags().GetString("user-key")
	appToken, _ := cmd.Flags().GetString("app-token")
	if userKey == "" || appToken == "" {
		return fmt.Errorf("both --user-key and --app-token are required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Pushover = config.Pushover{UserKey: userKey, AppToken: appToken}
	if err := cfg.Save(); err != nil {
		return err
	}
	fmt.Println("Pushover credentials saved. Verify with " + styleBoldWhite + "warden notify test" + colorReset + ".")
	return nil
}

func runNotifyTest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	err = notify.New(cfg.Pushover).Send(notify.Message{
		Title: "warden test",
		Body:  "Push notifications are working.",
	})
	if err != nil {
		return err
	}
	fmt.Println("Test notification sent.")
	return nil
}
