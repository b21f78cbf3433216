package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"syllacal/internal/config"
	appLog "syllacal/internal/log"
	"syllacal/internal/model"
	"syllacal/internal/pipeline"
	"syllacal/internal/web"
)

const version = "0.1.0"

var (
	configPath string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "syllacal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "syllacal",
		Short:         "Turn extracted syllabus dates into calendar events",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file, YAML or TOML (default $"+config.EnvPath+" or ./config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info or error (overrides config)")

	root.AddCommand(newServeCmd(), newICSCmd(), newPreviewCmd())
	return root
}

// loadConfig reads and validates the config and applies the log level.
func loadConfig() (*config.Config, error) {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", path)
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", path)
		return nil, err
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(level))
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP export API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			appLog.Info("syllacal starting",
				"version", version,
				"listen", cfg.Listen,
				"timezone", cfg.Timezone,
				"anchor", cfg.Anchor,
				"feeds", len(cfg.ICS.Feeds),
				"basic_auth", cfg.BasicAuth != nil,
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = web.NewServer(cfg, pipeline.New(cfg)).Run(ctx)
			appLog.Info("syllacal exiting")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	return cmd
}

type icsOptions struct {
	in       string
	out      string
	course   string
	timeZone string
}

func newICSCmd() *cobra.Command {
	var opts icsOptions
	cmd := &cobra.Command{
		Use:   "ics",
		Short: "Write a calendar file from an events JSON document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runICS(pipeline.New(cfg), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.in, "in", "-", "events JSON file, - for stdin")
	cmd.Flags().StringVar(&opts.out, "out", "", "output path, - for stdout (default derived from --course)")
	cmd.Flags().StringVar(&opts.course, "course", "", "course name for the calendar title and file name")
	cmd.Flags().StringVar(&opts.timeZone, "tz", "", "IANA time zone (default from config)")
	return cmd
}

func newPreviewCmd() *cobra.Command {
	var in, tz string
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Print normalized events as JSON without exporting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runPreview(pipeline.New(cfg), in, tz, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&in, "in", "-", "events JSON file, - for stdin")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA time zone (default from config)")
	return cmd
}

func readEvents(path string, stdin io.Reader) ([]model.ExtractedEvent, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return model.DecodeExtractedEvents(data)
}

func runICS(p *pipeline.Pipeline, opts icsOptions, stdin io.Reader, stdout io.Writer) error {
	events, err := readEvents(opts.in, stdin)
	if err != nil {
		return err
	}
	file, err := p.ExportICS(pipeline.ICSRequest{
		Events:     events,
		CourseName: opts.course,
		TimeZone:   opts.timeZone,
	})
	if err != nil {
		return err
	}
	for _, s := range file.Batch.Skipped {
		appLog.Info("event skipped", "id", s.ID, "title", s.Title, "reason", s.Reason)
	}

	out := opts.out
	if out == "" {
		out = file.Filename
	}
	if out == "-" {
		_, err = stdout.Write(file.Data)
		return err
	}
	if err := os.WriteFile(out, file.Data, 0o644); err != nil {
		return err
	}
	appLog.Info("calendar written", "path", out, "events", len(file.Batch.Events))
	return nil
}

func runPreview(p *pipeline.Pipeline, in, tz string, stdin io.Reader, stdout io.Writer) error {
	events, err := readEvents(in, stdin)
	if err != nil {
		return err
	}
	res, err := p.Preview(events, tz)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
