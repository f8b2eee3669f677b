package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jogardn/stylestore/internal/availability"
	"github.com/jogardn/stylestore/internal/payment"
	"github.com/jogardn/stylestore/pkg/models"
	"github.com/spf13/cobra"
)

type paymentFlags struct {
	processor string
	captureID string
	attempts  int
	interval  time.Duration
}

func (p *paymentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.processor, "processor", os.Getenv("PAYMENT_PROCESSOR_URL"), "payment processor base URL")
	cmd.Flags().StringVar(&p.captureID, "capture-id", "", "report an existing capture instead of calling the processor")
	cmd.Flags().IntVar(&p.attempts, "attempts", payment.DefaultPollAttempts, "confirmation poll attempts")
	cmd.Flags().DurationVar(&p.interval, "interval", payment.DefaultPollInterval, "delay between confirmation polls")
}

func (p *paymentFlags) checkout(api payment.OrderAPI, o *options) *payment.Checkout {
	logger := o.logger()
	var processor payment.Processor
	if p.processor != "" {
		processor = payment.NewProcessorClient(p.processor, logger)
	}
	return payment.NewCheckout(api, processor, payment.PollConfig{Attempts: p.attempts, Interval: p.interval}, logger)
}

func placeCmd(o *options) *cobra.Command {
	var (
		file string
		pay  paymentFlags
	)

	cmd := &cobra.Command{
		Use:   "place",
		Short: "Create an order and, for processor payments, capture and confirm it",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readOrder(file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			client, err := o.client(ctx, o.logger())
			if err != nil {
				return err
			}

			checkout := pay.checkout(client, o)
			if pay.captureID != "" && req.PaymentMethod == models.PaymentExternalProcessor {
				order, err := client.CreateOrder(ctx, req)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), checkout.Report(ctx, order, models.ProcessorPayload{ID: pay.captureID}))
			}

			result, err := checkout.Place(ctx, req)
			if result != nil {
				printResult(cmd.OutOrStdout(), result)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "order request JSON, - for stdin")
	pay.register(cmd)
	return cmd
}

func confirmCmd(o *options) *cobra.Command {
	var pay paymentFlags

	cmd := &cobra.Command{
		Use:   "confirm [order-id]",
		Short: "Capture and confirm payment for an existing order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := o.client(ctx, o.logger())
			if err != nil {
				return err
			}

			order, err := client.GetOrder(ctx, args[0])
			if err != nil {
				return err
			}

			checkout := pay.checkout(client, o)
			if pay.captureID != "" {
				return printResult(cmd.OutOrStdout(), checkout.Report(ctx, order, models.ProcessorPayload{ID: pay.captureID}))
			}

			result, err := checkout.Confirm(ctx, order)
			if result != nil {
				printResult(cmd.OutOrStdout(), result)
			}
			return err
		},
	}

	pay.register(cmd)
	return cmd
}

func pollCmd(o *options) *cobra.Command {
	var (
		attempts int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "poll [order-id]",
		Short: "Wait a bounded time for a payment to show up on an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := o.logger()
			client, err := o.client(ctx, logger)
			if err != nil {
				return err
			}

			poll := payment.NewConfirmationPoll(client, args[0], payment.PollConfig{Attempts: attempts, Interval: interval}, logger)
			result := poll.Run(ctx)
			return printResult(cmd.OutOrStdout(), &payment.CheckoutResult{Order: result.Order, Outcome: result.Outcome})
		},
	}

	cmd.Flags().IntVar(&attempts, "attempts", payment.DefaultPollAttempts, "poll attempts")
	cmd.Flags().DurationVar(&interval, "interval", payment.DefaultPollInterval, "delay between polls")
	return cmd
}

func statusCmd(o *options) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show order service and store availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := o.client(ctx, o.logger())
			if err != nil {
				return err
			}

			for {
				var status availability.StatusResponse
				if err := client.SystemStatus(ctx, &status); err != nil {
					if !watch {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s  unreachable: %v\n", time.Now().Format(time.RFC3339), err)
				} else {
					printStatus(cmd.OutOrStdout(), status)
				}

				if !watch {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep polling")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "watch interval")
	return cmd
}

func readOrder(file string, stdin io.Reader) (models.CreateOrderRequest, error) {
	var req models.CreateOrderRequest

	reader := stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return req, fmt.Errorf("failed to open order file: %w", err)
		}
		defer f.Close()
		reader = f
	}

	if err := json.NewDecoder(reader).Decode(&req); err != nil {
		return req, fmt.Errorf("failed to decode order request: %w", err)
	}
	if len(req.Items) == 0 {
		return req, errors.New("order request has no items")
	}
	return req, nil
}

func printResult(w io.Writer, result *payment.CheckoutResult) error {
	if result.Order != nil {
		fmt.Fprintf(w, "Order:   %s\n", result.Order.ID)
		fmt.Fprintf(w, "Total:   %.2f\n", result.Order.TotalPrice)
		fmt.Fprintf(w, "Status:  %s\n", result.Order.Status)
	}
	if result.ConfirmErr != nil {
		fmt.Fprintf(w, "Confirm: failed (%v)\n", result.ConfirmErr)
	}

	switch result.Outcome {
	case payment.OutcomeNotRequired:
		fmt.Fprintln(w, "Payment: due on delivery")
	case payment.OutcomeConfirmed:
		fmt.Fprintln(w, "Payment: confirmed")
	case payment.OutcomeCancelled:
		fmt.Fprintln(w, "Payment: check cancelled")
	default:
		fmt.Fprintln(w, "Payment: unverified, the order is saved and payment can be confirmed again later")
	}
	return nil
}

func printStatus(w io.Writer, status availability.StatusResponse) {
	db := status.Database
	line := []string{
		time.Now().Format(time.RFC3339),
		"server=" + status.Server,
		"mode=" + string(status.Mode),
		fmt.Sprintf("degraded=%t", status.Degraded),
		"store=" + db.State,
		fmt.Sprintf("retries=%d", db.RetryAttempts),
	}
	if db.Host != "" {
		line = append(line, "host="+db.Host)
	}
	if db.LastError != "" {
		line = append(line, fmt.Sprintf("last_error=%q", db.LastError))
	}
	fmt.Fprintln(w, strings.Join(line, "  "))
}
