package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/deepclaw/smsgate/internal/config"
	"github.com/deepclaw/smsgate/internal/logger"
	"github.com/deepclaw/smsgate/internal/pairing"
	"github.com/deepclaw/smsgate/internal/phone"
	"github.com/deepclaw/smsgate/internal/sms"
)

var (
	version    = "0.1.0"
	configPath string
)

func main() {
	// Optional .env next to the binary; real env always wins.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "smsgate",
		Short: "SMS webhook gateway",
		Long:  "smsgate receives provider SMS webhooks, enforces per-account access policy, and relays messages to an agent.",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml")

	root.AddCommand(serveCmd())
	root.AddCommand(pairCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// pairCmd manages the pairing allow-list out of band. Approvals take effect
// on the next inbound message without a restart.
func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage paired senders",
	}

	var ttlDays int
	approve := &cobra.Command{
		Use:   "approve [number]",
		Short: "Approve a sender's pending pairing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPairingStore(func(ctx context.Context, store *pairing.Store) error {
				number := phone.Normalize(args[0])
				if err := store.Approve(ctx, sms.ChannelName, number, ttlDays); err != nil {
					return err
				}
				fmt.Printf("approved %s\n", number)
				return nil
			})
		},
	}
	approve.Flags().IntVar(&ttlDays, "ttl-days", 0, "expire the pairing after this many days (0 = never)")
	cmd.AddCommand(approve)

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke [number]",
		Short: "Remove a sender from the paired list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPairingStore(func(ctx context.Context, store *pairing.Store) error {
				number := phone.Normalize(args[0])
				if err := store.Unpair(ctx, sms.ChannelName, number); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", number)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List paired senders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPairingStore(func(ctx context.Context, store *pairing.Store) error {
				numbers, err := store.ReadAllow(ctx, sms.ChannelName)
				if err != nil {
					return err
				}
				for _, n := range numbers {
					fmt.Println(n)
				}
				return nil
			})
		},
	})

	return cmd
}

func withPairingStore(fn func(context.Context, *pairing.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	store, err := pairing.Open(logger.L, cfg.Pairing.DBPath, time.Duration(cfg.Pairing.CodeTTLMins)*time.Minute)
	if err != nil {
		return fmt.Errorf("open pairing store: %w", err)
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, store)
}
