package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/xenking/kart-checkout/internal/app"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/seed"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kart-admin",
		Short:         "Administer the kart checkout database",
		Long:          "Configuration is read the same way as the API server: KART_* environment variables, .env and config.yaml.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newSeedCommand(), newOrderCommand(), newOrdersCommand())
	return cmd
}

// withStorage opens the configured storage for the duration of fn.
func withStorage(ctx context.Context, fn func(cfg *app.Config, st *app.Storage) error) error {
	cfg, err := app.LoadEnvConfig()
	if err != nil {
		return err
	}
	slog.Info("connecting to storage", slog.String("storage", cfg.Storage))
	st, err := app.OpenStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, st)
}

func newSeedCommand() *cobra.Command {
	var (
		apiKey   string
		apiKeyID string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the demo catalog and an admin API key",
		Long: `Upsert the demo categories and products, then store an admin API key.

Seeding is idempotent: existing products keep their stock.

Examples:
  kart-admin seed --api-key s3cret
  KART_SEED_API_KEY=s3cret kart-admin seed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if apiKey == "" {
				apiKey = os.Getenv("KART_SEED_API_KEY")
			}
			return withStorage(cmd.Context(), func(cfg *app.Config, st *app.Storage) error {
				categories, products, err := seed.Catalog(cmd.Context(), st.CatalogSeed)
				if err != nil {
					return errors.Wrap(err, "seed catalog")
				}
				slog.Info("catalog seeded", slog.Int("categories", categories), slog.Int("products", products))

				if apiKey == "" {
					slog.Warn("no API key given, skipping admin key")
					return nil
				}
				if err := seed.AdminKey(cmd.Context(), st.APIKeySeed, apiKeyID, apiKey, []byte(cfg.APIKeyPepper)); err != nil {
					return errors.Wrap(err, "seed api key")
				}
				slog.Info("admin API key stored", slog.String("id", apiKeyID))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "admin API key to store (or KART_SEED_API_KEY env)")
	cmd.Flags().StringVar(&apiKeyID, "api-key-id", "admin", "id of the stored API key")
	return cmd
}

func newOrderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect or update a single order",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <number>",
			Short: "Print an order with its lines",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withOrders(cmd.Context(), func(svc *order.Service) error {
					o, err := svc.GetByNumber(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printOrder(cmd.OutOrStdout(), o)
				})
			},
		},
		&cobra.Command{
			Use:   "status <number> <status>",
			Short: "Move an order to a new status",
			Long: `Move an order along its lifecycle:

  pending -> confirmed | cancelled
  confirmed -> shipped | cancelled
  shipped -> delivered`,
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withOrders(cmd.Context(), func(svc *order.Service) error {
					o, err := svc.UpdateStatusByNumber(cmd.Context(), args[0], order.Status(args[1]))
					if err != nil {
						return err
					}
					slog.Info("order updated", slog.String("number", o.Number), slog.String("status", string(o.Status)))
					return nil
				})
			},
		},
	)
	return cmd
}

func newOrdersCommand() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List orders, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := order.Status(status)
			if s != "" && !s.Valid() {
				return errors.Errorf("unknown status %q", status)
			}
			return withOrders(cmd.Context(), func(svc *order.Service) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NUMBER\tSTATUS\tUSER\tTOTAL\tCREATED")
				for o, err := range svc.List(cmd.Context(), s) {
					if err != nil {
						return errors.Wrap(err, "list orders")
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						o.Number, o.Status, o.UserID, o.Total.StringFixed(2), o.CreatedAt.Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list orders in this status")
	return cmd
}

func withOrders(ctx context.Context, fn func(svc *order.Service) error) error {
	return withStorage(ctx, func(cfg *app.Config, st *app.Storage) error {
		svc, err := app.NewOrderService(cfg, st, nil)
		if err != nil {
			return err
		}
		return fn(svc)
	})
}

func printOrder(w io.Writer, o *order.Order) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Order\t%s\n", o.Number)
	fmt.Fprintf(tw, "Status\t%s\n", o.Status)
	fmt.Fprintf(tw, "User\t%d\n", o.UserID)
	fmt.Fprintf(tw, "Customer\t%s, %s\n", o.Delivery.CustomerName, o.Delivery.CustomerPhone)
	fmt.Fprintf(tw, "Delivery\t%s, %s\n", o.Delivery.Method, o.Delivery.Address)
	if o.Delivery.Notes != "" {
		fmt.Fprintf(tw, "Notes\t%s\n", o.Delivery.Notes)
	}
	fmt.Fprintf(tw, "Created\t%s\n", o.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "PRODUCT\tQTY\tPRICE\tSUBTOTAL")
	for _, l := range o.Lines {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", l.ProductName, l.Quantity, l.UnitPrice.StringFixed(2), l.Subtotal().StringFixed(2))
	}
	fmt.Fprintf(tw, "Total\t\t\t%s\n", o.Total.StringFixed(2))
	return tw.Flush()
}
