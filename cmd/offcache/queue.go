package main

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offcache/internal/kv"
	"github.com/mschirtzinger/offcache/internal/queue"
	"github.com/mschirtzinger/offcache/internal/storage"
	"github.com/mschirtzinger/offcache/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and drain the background sync queue",
	Long: `Inspect the pending writes recorded while offline.

Writes are grouped by tag (sync-messages, sync-videos). A drain replays
every pending write of a tag; writes that fail stay queued for the next
drain.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending writes",
	Run: func(cmd *cobra.Command, args []string) {
		tag, _ := cmd.Flags().GetString("tag")

		db := openLocalDB()
		defer db.Close()
		q := newQueue(db)

		items, err := q.List(cmd.Context(), tag)
		if err != nil {
			fatal("%v", err)
		}
		if len(items) == 0 {
			fmt.Printf("%s No pending writes\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("\n%s %d pending writes\n\n", ui.RenderAccent("📋"), len(items))
		for _, w := range items {
			fmt.Printf("  %s  %-14s %-10s %s\n",
				w.ID, w.Tag, w.Op, ui.RenderMuted(w.EnqueuedAt.Local().Format("2006-01-02 15:04:05")))
		}
		fmt.Println()
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay pending writes now",
	Run: func(cmd *cobra.Command, args []string) {
		tag, _ := cmd.Flags().GetString("tag")
		if tag == "" {
			tag = queue.TagMessages
		}

		s := openSyncStack(false)
		defer s.Close()

		res, err := s.queue.Trigger(cmd.Context(), tag)
		if err != nil {
			fatal("%v", err)
		}
		if res.Attempted == 0 {
			fmt.Printf("%s Nothing to replay for %s\n", ui.RenderPass("✓"), tag)
			return
		}
		fmt.Printf("%s Replayed %d of %d\n", ui.RenderPass("✓"), res.Replayed, res.Attempted)
		for _, f := range res.Failed {
			fmt.Printf("   %s %s: %v\n", ui.RenderFail("✗"), f.ID, f.Err)
		}
	},
}

var queueAbandonCmd = &cobra.Command{
	Use:   "abandon [id...]",
	Short: "Drop pending writes",
	Long: `Drop pending writes by id, or every write enqueued before a time.

--before accepts a timestamp (2026-05-01, RFC 3339), a Go duration
measured back from now (48h), or a phrase such as "2 days ago" or
"last monday".`,
	Run: func(cmd *cobra.Command, args []string) {
		before, _ := cmd.Flags().GetString("before")
		if before == "" && len(args) == 0 {
			fatal("give pending write ids or --before")
		}

		db := openLocalDB()
		defer db.Close()
		q := newQueue(db)
		ctx := cmd.Context()

		var dropped []string
		for _, id := range args {
			if err := q.Abandon(ctx, id); err != nil {
				fatal("%v", err)
			}
			dropped = append(dropped, id)
		}
		if before != "" {
			cutoff, err := parseBefore(before, time.Now())
			if err != nil {
				fatal("%v", err)
			}
			ids, err := q.AbandonBefore(ctx, cutoff)
			if err != nil {
				fatal("%v", err)
			}
			dropped = append(dropped, ids...)
		}

		fmt.Printf("%s Dropped %d pending writes\n", ui.RenderPass("✓"), len(dropped))
	},
}

func newQueue(db *storage.DB) *queue.Queue {
	return queue.New(kv.NewSQLite(db).Bucket(queue.BucketName), logger("queue"))
}

// parseBefore resolves an abandon cutoff relative to now.
func parseBefore(s string, now time.Time) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("duration %q must be positive", s)
		}
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return r.Time, nil
}

func init() {
	queueListCmd.Flags().String("tag", "", "Only list writes with this tag")
	queueDrainCmd.Flags().String("tag", queue.TagMessages, "Tag to replay")
	queueAbandonCmd.Flags().String("before", "", "Drop writes enqueued before this time")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueAbandonCmd)
	rootCmd.AddCommand(queueCmd)
}
