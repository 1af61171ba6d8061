package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/berryx/market-engine/internal/app"
	"github.com/berryx/market-engine/internal/config"
	"github.com/berryx/market-engine/internal/store"
	"github.com/berryx/market-engine/internal/trade"
)

func main() {
	root := &cobra.Command{
		Use:          "marketctl",
		Short:        "Administer the berry market engine",
		SilenceUsage: true,
	}

	root.AddCommand(
		newMigrateCmd(),
		newSeedCmd(),
		newMarketCmd(),
		newWalletCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// withApp loads configuration and runs fn against a Postgres-backed engine.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	a, err := app.New(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded SQL migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				applied, err := store.Migrate(ctx, a.Pool)
				if err != nil {
					return err
				}
				for _, f := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", f)
				}
				return nil
			})
		},
	}
}

func newSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "List characters from a JSON file with fresh pools and price history",
		Long: "The file holds an array of {\"slug\", \"name\", \"starting_price\"} objects.\n" +
			"Starting prices are clamped to (0, 100] and default to 50. Existing slugs are skipped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			chars, err := readSeedFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := store.Migrate(ctx, a.Pool); err != nil {
					return err
				}
				res, err := a.Service.Seed(ctx, chars)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %d: %s\n", len(res.Created), strings.Join(res.Created, ", "))
				fmt.Fprintf(cmd.OutOrStdout(), "skipped %d: %s\n", len(res.Skipped), strings.Join(res.Skipped, ", "))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "characters.json", "path to the character list")
	return cmd
}

func readSeedFile(path string) ([]trade.SeedCharacter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var chars []trade.SeedCharacter
	if err := json.Unmarshal(data, &chars); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return chars, nil
}

func newMarketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "market",
		Short: "Inspect or toggle the trading session",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether trading is open",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				cfg, err := a.Service.MarketStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, cfg)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "close <event>",
		Short: "Halt trading for a named event",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				cfg, err := a.Service.CloseMarket(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				return printJSON(cmd, cfg)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "open",
		Short: "Resume trading, gapping every price if the market was closed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Service.ReopenMarket(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	})
	return cmd
}

func newWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage user wallets",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <user-id>",
		Short: "Create a wallet with the starting balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				w, err := a.Service.EnsureWallet(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, w)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "credit <user-id> <amount>",
		Short: "Add berries to a wallet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				w, err := a.Service.CreditWallet(ctx, args[0], amount)
				if err != nil {
					return err
				}
				return printJSON(cmd, w)
			})
		},
	})
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
