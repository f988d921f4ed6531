package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offcache/internal/config"
	"github.com/mschirtzinger/offcache/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Write an offcache.toml config file",
	Long: `Write a config file with the default settings.

When stdin is a terminal, init asks for the device name, the upstream app,
the sync hub and whether to show desktop notifications. Use --yes to write
the defaults without prompting.`,
	// init must work before any config exists
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")
		yes, _ := cmd.Flags().GetBool("yes")

		c := config.DefaultConfig()
		if !yes && ui.IsTerminal(os.Stdin) {
			if err := initForm(c).Run(); err != nil {
				fatal("%v", err)
			}
		}
		if err := c.Validate(); err != nil {
			fatal("%v", err)
		}
		if err := config.Write(path, c, force); err != nil {
			fatal("%v", err)
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Next: 'offcache serve' to start the caching proxy\n")
		fmt.Printf("         'offcache sync run' to start syncing\n")
	},
}

func initForm(c *config.Config) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Device name").
				Description("Leave empty to generate one").
				Value(&c.DeviceID),
			huh.NewInput().
				Title("Upstream app URL").
				Value(&c.Serve.Upstream).
				Validate(validateURL),
			huh.NewInput().
				Title("Sync hub URL").
				Value(&c.Sync.Remote).
				Validate(validateURL),
			huh.NewInput().
				Title("Data directory").
				Value(&c.DataDir),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Show desktop notifications for new messages?").
				Value(&c.Notify.Enabled),
			huh.NewConfirm().
				Title("Play a sound for new messages?").
				Value(&c.Notify.Sound),
		),
	)
}

func validateURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an http or https URL")
	}
	return nil
}

func init() {
	initCmd.Flags().String("path", config.FileName, "Where to write the config")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config")
	initCmd.Flags().BoolP("yes", "y", false, "Write defaults without prompting")
	rootCmd.AddCommand(initCmd)
}
