package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/offcache/internal/config"
	"github.com/mschirtzinger/offcache/internal/logging"
	"github.com/mschirtzinger/offcache/internal/storage"
)

var (
	configFile string

	v      *viper.Viper
	cfg    *config.Config
	logOut *logging.Output
)

var rootCmd = &cobra.Command{
	Use:   "offcache",
	Short: "Offline cache and cross-device sync",
	Long: `offcache keeps a web app usable offline and its state in sync across devices.

It runs a caching proxy in front of the app (cache-first for static assets
and images, network-first for API routes), a background queue that replays
writes made while offline, and a sync daemon that exchanges one record per
device with a shared hub.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v = config.New(configFile)
		for key, flag := range map[string]string{
			"data_dir":  "data-dir",
			"device_id": "device",
			"log.file":  "log-file",
		} {
			if err := v.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(flag)); err != nil {
				return err
			}
		}

		var err error
		cfg, err = config.Load(v)
		if err != nil {
			return err
		}
		logOut, err = logging.Open(logging.DefaultConfig(cfg.Log.File))
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logOut != nil {
			_ = logOut.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "cache", Title: "Offline cache:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
	)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./offcache.toml or ~/.config/offcache/offcache.toml)")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory for the local database and state files")
	rootCmd.PersistentFlags().String("device", "", "Device id (default: generated and stored in the data dir)")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this rotated file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// logger returns a component logger on the shared log output.
func logger(component string) *log.Logger {
	if logOut == nil {
		return logging.New(os.Stderr, component)
	}
	return logOut.Logger(component)
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// openLocalDB opens the device database holding the cache and the queue.
func openLocalDB() *storage.DB {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatal("creating data dir: %v", err)
	}
	db, err := storage.Open(cfg.DBPath())
	if err != nil {
		fatal("opening database: %v", err)
	}
	return db
}

// deviceID resolves the device id, generating one on first use.
func deviceID() string {
	id, err := cfg.EnsureDeviceID()
	if err != nil {
		fatal("%v", err)
	}
	return id
}
