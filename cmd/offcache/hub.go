package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offcache/internal/broadcast"
	"github.com/mschirtzinger/offcache/internal/remote"
	"github.com/mschirtzinger/offcache/internal/storage"
	"github.com/mschirtzinger/offcache/internal/ui"
)

var hubCmd = &cobra.Command{
	Use:     "hub",
	GroupID: "sync",
	Short:   "Run the shared record hub",
	Long: `Run the record hub that devices sync through.

The hub stores one record per device in SQLite and announces every upsert
on a websocket feed so that other devices merge it immediately.

Endpoints:
  PUT /records/{device_id}          upsert a device record
  GET /records/latest?exclude=ID    most recent record of another device
  GET /records                      all records
  GET /feed                         websocket change feed
  GET /health                       status`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("listen")
		if addr == "" {
			addr = cfg.Hub.Listen
		}

		dbPath := cfg.HubDBPath()
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			fatal("creating hub dir: %v", err)
		}
		db, err := storage.Open(dbPath)
		if err != nil {
			fatal("opening hub database: %v", err)
		}
		defer db.Close()

		feed := broadcast.New(&broadcast.Config{Logger: logger("feed")})
		defer feed.Stop()

		server := remote.NewServer(remote.NewRecordStore(db), feed, &remote.ServerConfig{
			Addr:   addr,
			Logger: logger("hub"),
		})
		if err := server.Start(); err != nil {
			fatal("failed to start hub: %v", err)
		}

		fmt.Printf("%s Hub listening on %s\n", ui.RenderAccent("▶"), server.Addr())
		fmt.Printf("   Records: %s\n", dbPath)
		fmt.Printf("   Feed: ws://%s/feed\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down hub...")
		if err := server.Stop(); err != nil {
			fatal("during shutdown: %v", err)
		}
		fmt.Println("Hub stopped")
	},
}

func init() {
	hubCmd.Flags().String("listen", "", "Address to listen on (default: hub.listen)")
	rootCmd.AddCommand(hubCmd)
}
