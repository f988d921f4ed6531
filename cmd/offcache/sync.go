package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offcache/internal/daemon"
	"github.com/mschirtzinger/offcache/internal/localstate"
	"github.com/mschirtzinger/offcache/internal/netstate"
	"github.com/mschirtzinger/offcache/internal/notify"
	"github.com/mschirtzinger/offcache/internal/queue"
	"github.com/mschirtzinger/offcache/internal/record"
	"github.com/mschirtzinger/offcache/internal/remote"
	"github.com/mschirtzinger/offcache/internal/storage"
	"github.com/mschirtzinger/offcache/internal/syncengine"
	"github.com/mschirtzinger/offcache/internal/ui"
)

// syncStack is everything a sync command needs, opened from cfg.
type syncStack struct {
	db     *storage.DB
	dir    *localstate.Dir
	client *remote.Client
	queue  *queue.Queue
	engine *syncengine.Engine
}

func openSyncStack(withNotifications bool) *syncStack {
	id := deviceID()
	db := openLocalDB()

	dir, err := localstate.Open(cfg.StateDir())
	if err != nil {
		fatal("%v", err)
	}
	client, err := remote.NewClient(cfg.Sync.Remote, nil, logger("remote"))
	if err != nil {
		fatal("%v", err)
	}
	q := newQueue(db)

	engineCfg := &syncengine.Config{
		DeviceID:     id,
		PullInterval: cfg.Sync.PullInterval,
		PushDebounce: cfg.Sync.PushDebounce,
		Feed:         client,
		Queue:        q,
		Logger:       logger("sync"),
	}
	if withNotifications {
		engineCfg.Notifier = newBridge()
	}
	engine, err := syncengine.New(dir, client, engineCfg)
	if err != nil {
		fatal("%v", err)
	}
	return &syncStack{db: db, dir: dir, client: client, queue: q, engine: engine}
}

func (s *syncStack) Close() {
	_ = s.db.Close()
}

// newBridge builds the new-message effects allowed by the notify settings.
func newBridge() *notify.Bridge {
	var tone notify.Tone
	if cfg.Notify.Sound {
		tone = notify.DefaultTone
	}
	return notify.New(&notify.Config{
		NotificationsAllowed: cfg.Notify.Enabled,
		Logger:               logger("notify"),
	}, tone, notify.DesktopNotifier{}, nil)
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Cross-device state sync",
	Long: `Synchronize this device's state with the record hub.

Local state lives as JSON files in the state directory (settings.json,
videos.json, description.json, chat.json). Each device pushes its whole
snapshot as one record; pulls merge the most recent record of another
device. Chat messages are merged by id so that no message is lost.`,
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sync daemon (foreground)",
	Long: `Start the sync daemon in the foreground.

The daemon will:
  1. Pull the latest record of another device every sync.pull_interval
  2. Push local edits after sync.push_debounce
  3. Merge realtime changes from the hub feed immediately
  4. Replay queued chat messages when the hub becomes reachable
  5. Play a tone and show a notification for new messages`,
	Run: func(cmd *cobra.Command, args []string) {
		s := openSyncStack(true)
		defer s.Close()

		w, err := localstate.NewWatcher(s.dir)
		if err != nil {
			fatal("%v", err)
		}
		monitor := netstate.New(s.client, &netstate.Config{
			Interval: cfg.Sync.ProbeInterval,
			Logger:   logger("net"),
		})
		d, err := daemon.New(s.engine, &daemon.Config{
			Watcher: w,
			Monitor: monitor,
			Queue:   s.queue,
			Logger:  logger("daemon"),
		})
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🔄"))
		fmt.Printf("   Device: %s\n", s.engine.DeviceID())
		fmt.Printf("   State dir: %s\n", s.dir.Path())
		fmt.Printf("   Hub: %s\n", cfg.Sync.Remote)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fatal("daemon stopped with error: %v", err)
		}
	},
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push the local snapshot once",
	Run: func(cmd *cobra.Command, args []string) {
		s := openSyncStack(false)
		defer s.Close()

		if err := s.engine.Push(cmd.Context()); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Pushed %s\n", ui.RenderPass("✓"), s.engine.DeviceID())
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull and merge the latest remote record once",
	Run: func(cmd *cobra.Command, args []string) {
		s := openSyncStack(false)
		defer s.Close()

		if err := s.engine.Pull(cmd.Context()); err != nil {
			fatal("%v", err)
		}
		stats := s.engine.Stats()
		if stats.Merged > 0 {
			fmt.Printf("%s Merged remote changes into %s\n", ui.RenderPass("✓"), s.dir.Path())
		} else {
			fmt.Printf("%s Already up to date\n", ui.RenderPass("✓"))
		}
	},
}

var syncSendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a chat message",
	Long: `Append a chat message to the local log and push it.

When the hub is unreachable the message is kept locally and queued; the
daemon replays it when the device is back online.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := openSyncStack(false)
		defer s.Close()

		msg := record.NewChatMessage(s.engine.DeviceID(), strings.Join(args, " "), time.Now())
		queued, err := s.engine.SendChat(cmd.Context(), msg)
		if err != nil {
			fatal("%v", err)
		}
		if queued {
			fmt.Printf("%s Offline: message %s queued for background sync\n", ui.RenderWarn("⚠"), msg.ID)
			return
		}
		fmt.Printf("%s Sent %s\n", ui.RenderPass("✓"), msg.ID)
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local state, hub reachability and pending writes",
	Run: func(cmd *cobra.Command, args []string) {
		s := openSyncStack(false)
		defer s.Close()
		ctx := cmd.Context()

		snap, err := s.engine.Snapshot(ctx)
		if err != nil {
			fatal("%v", err)
		}
		pending, err := s.queue.Len(ctx)
		if err != nil {
			fatal("%v", err)
		}

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		hub := ui.RenderPass("reachable")
		if err := s.client.Ping(pingCtx); err != nil {
			hub = ui.RenderFail("unreachable")
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))
		fmt.Println(ui.Field("Device", s.engine.DeviceID()))
		fmt.Println(ui.Field("State dir", s.dir.Path()))
		fmt.Println(ui.Field("Hub", cfg.Sync.Remote+" ("+hub+")"))
		fmt.Println(ui.Field("Messages", len(snap.Chat)))
		fmt.Println(ui.Field("Pending", pending))
		for _, f := range localstate.Fields[:3] {
			state := ui.RenderMuted("empty")
			if _, err := os.Stat(s.dir.FilePath(f)); err == nil {
				state = "present"
			}
			fmt.Println(ui.Field(f.String(), state))
		}
		fmt.Println()
	},
}

func init() {
	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncPushCmd)
	syncCmd.AddCommand(syncPullCmd)
	syncCmd.AddCommand(syncSendCmd)
	syncCmd.AddCommand(syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}
