package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jogardn/stylestore/internal/orders"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var Version = "dev"

type options struct {
	server   string
	email    string
	password string
	verbose  bool
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:          "checkout",
		Short:        "Storefront checkout client for the order service",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", envOr("STYLESTORE_URL", "http://localhost:8081"), "order service base URL")
	rootCmd.PersistentFlags().StringVar(&opts.email, "email", os.Getenv("STYLESTORE_EMAIL"), "account email")
	rootCmd.PersistentFlags().StringVar(&opts.password, "password", os.Getenv("STYLESTORE_PASSWORD"), "account password")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log requests")

	rootCmd.AddCommand(placeCmd(opts))
	rootCmd.AddCommand(confirmCmd(opts))
	rootCmd.AddCommand(pollCmd(opts))
	rootCmd.AddCommand(statusCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *options) logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	if o.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// client logs in when credentials are given.
func (o *options) client(ctx context.Context, logger *logrus.Logger) (*orders.Client, error) {
	client := orders.NewClient(o.server, logger)
	if o.email == "" {
		return client, nil
	}
	if _, err := client.Login(ctx, o.email, o.password); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	return client, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
