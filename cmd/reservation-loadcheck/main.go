// cmd/reservation-loadcheck/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"stockhold/internal/pkg/httpclient"
	"stockhold/internal/pkg/logger"
	"stockhold/internal/pkg/tracing"
)

const serviceName = "reservation-loadcheck"

type checkOptions struct {
	baseURL string
	jaeger  string
	client  *httpclient.Client
	tp      *sdktrace.TracerProvider
}

func main() {
	opts := &checkOptions{}
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Exercise a running reservation service over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger.Init(serviceName, "info")
			if opts.jaeger != "" {
				tp, err := tracing.InitTracerProvider(serviceName, opts.jaeger)
				if err != nil {
					return err
				}
				opts.tp = tp
			}
			opts.client = httpclient.NewClient(otel.Tracer(serviceName))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.tp != nil {
				return opts.tp.Shutdown(context.Background())
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "url", "http://localhost:8080", "reservation service base URL")
	root.PersistentFlags().StringVar(&opts.jaeger, "jaeger", "", "Jaeger collector endpoint (tracing disabled when empty)")

	root.AddCommand(newRaceCmd(opts), newScenarioCmd(opts))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
