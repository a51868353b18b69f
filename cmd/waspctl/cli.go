package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/term"

	"wasp/internal/config"
	"wasp/internal/logging"
	"wasp/internal/observability"
	"wasp/internal/utils"
	"wasp/pkg/wasp"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

// isTTY reports whether stdout is a terminal.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// CLI holds flag state shared by every subcommand.
type CLI struct {
	settings *viper.Viper
	out      io.Writer
	errOut   io.Writer
	logger   logging.Logger

	client *wasp.Client
	config config.Config
	meta   config.Metadata

	tracer  *sdktrace.TracerProvider
	metrics *observability.PrometheusMetrics
}

// NewRootCommand builds the waspctl command tree.
func NewRootCommand() *cobra.Command {
	cli := &CLI{settings: viper.New()}

	root := &cobra.Command{
		Use:           "waspctl",
		Short:         "Inspect and edit records on a WASP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cli.out = cmd.OutOrStdout()
			cli.errOut = cmd.ErrOrStderr()
			if !isTTY() {
				color.NoColor = true
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return cli.flushTelemetry(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Configuration file (default ~/.wasp.yaml)")
	flags.StringSlice("server", nil, "Download endpoint, repeatable")
	flags.StringSlice("upload", nil, "Upload endpoint, repeatable")
	flags.Bool("insecure", false, "Skip TLS certificate verification")
	flags.String("proxy", "", "Proxy mode: direct, auto or strict")
	flags.Int("retries", 0, "Endpoint sweeps per request")
	flags.Duration("retry-delay", 0, "Pause between sweeps")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.StringP("output", "o", "json", "Output format: json or yaml")
	flags.String("trace-exporter", "", "Export request spans: otlp or zipkin")
	flags.String("trace-endpoint", "", "Collector URL for the trace exporter")
	flags.Bool("metrics", false, "Print transport metrics to stderr after the command")
	_ = cli.settings.BindPFlags(flags)
	cli.settings.SetEnvPrefix("WASPCTL")
	cli.settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cli.settings.AutomaticEnv()

	root.AddCommand(
		newFindCommand(cli),
		newGetCommand(cli),
		newAddCommand(cli),
		newUpdateCommand(cli),
		newMutabilityCommand(cli, "freeze", false),
		newMutabilityCommand(cli, "thaw", true),
		newMetaCommand(cli),
		newHistoryCommand(cli),
		newDeleteCommand(cli),
		newDownloadCommand(cli),
		newSchemaCommand(cli),
		newViewCommand(cli),
		newTagValuesCommand(cli),
		newActionCommand(cli),
		newConfigCommand(cli),
	)

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w\n%s", err, cmd.UsageString())
	})
	return wrapErrors(root)
}

// wrapErrors prints command failures in red on stderr.
func wrapErrors(cmd *cobra.Command) *cobra.Command {
	for _, child := range cmd.Commands() {
		wrapErrors(child)
	}
	inner := cmd.RunE
	if inner == nil {
		return cmd
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		err := inner(c, args)
		if err != nil {
			fmt.Fprintln(c.ErrOrStderr(), red("error: "+err.Error()))
		}
		return err
	}
	return cmd
}

// overrides turns explicitly set flags into config overrides.
func (c *CLI) overrides() config.Overrides {
	var o config.Overrides
	s := c.settings
	if s.IsSet("server") {
		servers := s.GetStringSlice("server")
		o.ServerURLs = &servers
	}
	if s.IsSet("upload") {
		uploads := s.GetStringSlice("upload")
		o.UploadURLs = &uploads
	}
	if s.IsSet("insecure") {
		insecure := s.GetBool("insecure")
		o.InsecureSkipVerify = &insecure
	}
	if s.IsSet("proxy") {
		proxy := s.GetString("proxy")
		o.ProxyMode = &proxy
	}
	if s.IsSet("retries") {
		retries := s.GetInt("retries")
		o.RetryAttempts = &retries
	}
	if s.IsSet("retry-delay") {
		delay := s.GetDuration("retry-delay")
		o.RetryDelay = &delay
	}
	if s.IsSet("log-level") {
		level := s.GetString("log-level")
		o.LogLevel = &level
	}
	return o
}

// loadConfig resolves configuration once per invocation.
func (c *CLI) loadConfig() error {
	if c.meta.LoadedAt().IsZero() {
		opts := []config.Option{config.WithOverrides(c.overrides())}
		if path := c.settings.GetString("config"); path != "" {
			opts = append(opts, config.WithConfigPath(path))
		}
		cfg, meta, err := config.Load(opts...)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		c.config, c.meta = cfg, meta
		c.logger = utils.NewWriterLogger(c.errOut, utils.ParseLogLevel(cfg.LogLevel), "waspctl")
	}
	return nil
}

// connect builds the client on first use.
func (c *CLI) connect(ctx context.Context) (*wasp.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	if err := c.loadConfig(); err != nil {
		return nil, err
	}
	opts := []wasp.Option{wasp.WithLogger(c.logger)}
	if exporter := c.settings.GetString("trace-exporter"); exporter != "" {
		provider, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
			Exporter:    exporter,
			Endpoint:    c.settings.GetString("trace-endpoint"),
			ServiceName: "waspctl",
		})
		if err != nil {
			return nil, err
		}
		c.tracer = provider
		opts = append(opts, wasp.WithTracerProvider(provider))
	}
	if c.settings.GetBool("metrics") {
		metrics, err := observability.NewPrometheusMetrics()
		if err != nil {
			return nil, err
		}
		c.metrics = metrics
		opts = append(opts, wasp.WithMeterProvider(metrics.Provider))
	}
	client, err := wasp.NewFromConfig(c.config, opts...)
	if err != nil {
		return nil, err
	}
	c.client = client
	c.logger.Debug("Connected to %v", c.config.ServerURLs)
	return client, nil
}

// flushTelemetry exports pending spans and prints collected metrics.
func (c *CLI) flushTelemetry(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.tracer != nil {
		if err := c.tracer.Shutdown(ctx); err != nil {
			c.logger.Warn("Failed to flush spans: %v", err)
		}
		c.tracer = nil
	}
	if c.metrics != nil {
		defer func() { c.metrics = nil }()
		if err := c.metrics.WriteText(c.errOut); err != nil {
			return err
		}
		return c.metrics.Shutdown(ctx)
	}
	return nil
}
