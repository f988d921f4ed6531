package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offcache/internal/kv"
	"github.com/mschirtzinger/offcache/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "cache",
	Short:   "Manage the offline cache partitions",
	Long: `Manage the versioned cache partitions.

Partitions are named <prefix>-<kind>-<version> (static, dynamic, images).
Bumping cache.version and activating drops every partition of older
versions.`,
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache partitions",
	Run: func(cmd *cobra.Command, args []string) {
		db := openLocalDB()
		defer db.Close()
		manager := newManager(kv.NewSQLite(db))

		stats, err := manager.Stats(cmd.Context())
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("\n%s Cache Status\n\n", ui.RenderAccent("📊"))
		fmt.Println(ui.Field("Location", db.Path()))
		fmt.Println(ui.Field("Version", manager.Version()))
		fmt.Println()
		for _, p := range stats {
			bound := "unbounded"
			if p.MaxSize > 0 {
				bound = fmt.Sprintf("max %d", p.MaxSize)
			}
			name := p.Name
			if !p.Current {
				name = ui.RenderWarn(name + " (stale)")
			}
			fmt.Printf("  %-32s %5d entries  %s\n", name, p.Count, ui.RenderMuted(bound))
		}
		fmt.Println()
	},
}

var cacheInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Precache the manifest into the current version",
	Long: `Fetch every URL of cache.manifest (plus the offline page) from the
upstream app into the static partition. Nothing is written unless every
URL succeeds. With cache.skip_waiting the new version is activated right
away.`,
	Run: func(cmd *cobra.Command, args []string) {
		upstream, err := url.Parse(cfg.Serve.Upstream)
		if err != nil || upstream.Host == "" {
			fatal("invalid upstream %q", cfg.Serve.Upstream)
		}

		db := openLocalDB()
		defer db.Close()
		manager := newManager(kv.NewSQLite(db))
		icpt := newInterceptor(manager, upstream, nil)

		if err := icpt.Install(cmd.Context()); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Installed cache %s\n", ui.RenderPass("✓"), manager.Version())
		if icpt.Active() {
			fmt.Printf("   Activated (skip_waiting)\n")
		}
	},
}

var cacheActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Drop partitions of older cache versions",
	Run: func(cmd *cobra.Command, args []string) {
		db := openLocalDB()
		defer db.Close()
		manager := newManager(kv.NewSQLite(db))

		dropped, err := manager.Activate(cmd.Context())
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Activated %s\n", ui.RenderPass("✓"), manager.Version())
		for _, name := range dropped {
			fmt.Printf("   Dropped %s\n", name)
		}
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every partition of the current cache version",
	Run: func(cmd *cobra.Command, args []string) {
		db := openLocalDB()
		defer db.Close()
		manager := newManager(kv.NewSQLite(db))

		if err := manager.Purge(cmd.Context()); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Purged cache %s\n", ui.RenderPass("✓"), manager.Version())
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cacheInstallCmd)
	cacheCmd.AddCommand(cacheActivateCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
