package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/config"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/logging"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/paginate"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyapi"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/queryclient"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/server"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/sink"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/timewindow"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/version"
)

type globalFlags struct {
	debug      bool
	configFile string
}

func (g *globalFlags) loadConfig(ctx context.Context) (*config.Config, string, error) {
	if g.configFile != "" {
		cfg, err := config.Load(ctx, g.configFile)
		return cfg, g.configFile, err
	}
	return config.LoadDefault(ctx)
}

func printFileStatus(w io.Writer, filenames []string) error {
	for _, fn := range filenames {
		_, err := os.Stat(fn)
		if err != nil && !os.IsNotExist(err) {
			return err
		}

		status := "exists"
		if err != nil {
			status = "missing"
		}

		fmt.Fprintf(w, "\t[%s]\t%s\n", status, fn)
	}
	return nil
}

func mkServerCommandGroup(flags *globalFlags) *cobra.Command {
	runServer := func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, fn, err := flags.loadConfig(ctx)
		if err != nil {
			return err
		}
		if fn != "" {
			logging.FromContext(ctx).Info("loaded config", zap.String("filename", fn))
		}
		return server.Main(ctx, cfg)
	}

	var serverCmds = &cobra.Command{
		Use:   "server",
		Short: "Server commands",
		RunE:  runServer,
	}

	var runServerCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the proxy server",
		RunE:  runServer,
	}
	serverCmds.AddCommand(runServerCmd)

	return serverCmds
}

func mkConfigCommandGroup(flags *globalFlags) *cobra.Command {
	var configCmds = &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	var showCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.loadConfig(cmd.Context())
			if err != nil {
				return err
			}

			marshalled, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(marshalled)
			return err
		},
	}
	configCmds.AddCommand(showCmd)

	var filesCmd = &cobra.Command{
		Use:   "files",
		Short: "List server and client config files",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			serverFiles, err := config.Filenames()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "Server:")
			if err := printFileStatus(out, serverFiles); err != nil {
				return err
			}

			profileFiles, err := queryclient.ProfileFilenames(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "Client profiles:")
			return printFileStatus(out, profileFiles)
		},
	}
	configCmds.AddCommand(filesCmd)

	return configCmds
}

type queryFlags struct {
	query     string
	apiKey    string
	baseURL   string
	start     string
	interval  time.Duration
	batchSize int
}

func readQuery(flags *queryFlags, stdin io.Reader) (string, error) {
	if flags.query != "" {
		return flags.query, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", err
	}
	query := strings.TrimSpace(string(data))
	if query == "" {
		return "", errors.New("no query given; use --query or pipe it on stdin")
	}
	return query, nil
}

func (f *queryFlags) overrides() (proxyapi.Overrides, error) {
	var rv proxyapi.Overrides

	if f.batchSize < 0 {
		return rv, fmt.Errorf("--batch-size must be positive")
	}
	if f.batchSize > 0 {
		n := f.batchSize
		rv.PageSize = &n
	}

	if f.start != "" {
		t, err := timewindow.ParseLiteral(f.start)
		if err != nil {
			return rv, err
		}
		rv.WindowStart = &t
	}

	if f.interval < 0 {
		return rv, fmt.Errorf("--interval must be positive")
	}
	if f.interval > 0 {
		d := f.interval
		rv.WindowLength = &d
	}

	return rv, nil
}

// resolveApp finds the app id and credentials for selector, preferring
// explicit flags over client profiles.
func resolveApp(ctx context.Context, selector string, flags *queryFlags) (string, string, queryclient.Credentials, error) {
	if flags.apiKey != "" {
		return selector, flags.baseURL, queryclient.Credentials{APIKey: flags.apiKey}, nil
	}

	profiles, err := queryclient.LoadProfiles(ctx)
	if err != nil {
		return "", "", queryclient.Credentials{}, err
	}

	app, creds, err := profiles.Resolve(ctx, selector)
	if err != nil {
		return "", "", queryclient.Credentials{}, err
	}

	baseURL := app.BaseURL
	if flags.baseURL != "" {
		baseURL = flags.baseURL
	}
	return app.AppID, baseURL, creds, nil
}

func mkQueryCommand(flags *globalFlags) *cobra.Command {
	qflags := &queryFlags{}

	var queryCmd = &cobra.Command{
		Use:   "query [app-id-or-profile]",
		Short: "Run a paginated query and write the records to stdout as a JSON array",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			logger := logging.FromContext(ctx)

			var selector string
			if len(args) > 0 {
				selector = args[0]
			}

			cfg, _, err := flags.loadConfig(ctx)
			if err != nil {
				return err
			}

			query, err := readQuery(qflags, cmd.InOrStdin())
			if err != nil {
				return err
			}

			overrides, err := qflags.overrides()
			if err != nil {
				return err
			}

			appID, baseURL, creds, err := resolveApp(ctx, selector, qflags)
			if err != nil {
				return err
			}
			if baseURL != "" {
				cfg.Upstream.BaseURL = baseURL
			}

			client, err := server.NewQueryClient(cfg)
			if err != nil {
				return err
			}

			engine, err := server.NewEngine(cfg, client, nil)
			if err != nil {
				return err
			}

			window, err := server.NewResolver(cfg).Resolve(query, overrides)
			if err != nil {
				return err
			}

			stdout := bufio.NewWriter(cmd.OutOrStdout())
			out := sink.NewStreaming(stdout)

			t0 := time.Now()
			result, runErr := engine.Run(ctx, paginate.Scan{
				AppID:       appID,
				Credentials: creds,
				Query:       query,
				Window:      window,
				PageSize:    overrides.GetPageSize(0),
			}, out)

			err = multierr.Combine(runErr, out.Close())
			fmt.Fprintln(stdout)
			err = multierr.Append(err, stdout.Flush())

			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d records in %d pages (%s) in %v\n",
				result.State, out.Count(), result.Pages,
				humanizeBytes(out.BytesWritten()), time.Since(t0).Round(time.Millisecond))

			if err != nil {
				logger.Debug("query failed", zap.Error(err))
			}
			return err
		},
	}

	queryCmd.Flags().StringVarP(&qflags.query, "query", "q", "", "Query text; read from stdin when empty")
	queryCmd.Flags().StringVar(&qflags.apiKey, "api-key", "", "API key; when empty the app is looked up in the client profiles")
	queryCmd.Flags().StringVar(&qflags.baseURL, "base-url", "", "Query service base URL")
	queryCmd.Flags().StringVar(&qflags.start, "start", "", "Window start, overriding the query's timestamp predicate")
	queryCmd.Flags().DurationVar(&qflags.interval, "interval", 0, "Window length measured from the start")
	queryCmd.Flags().IntVar(&qflags.batchSize, "batch-size", 0, "Rows per page")

	return queryCmd
}

func mkVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := version.GetInfo()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Version:      %s\n", info.VersionString())
			if info.CommitHash != "" {
				dirtyFlag := ""
				if info.DirtyCommit {
					dirtyFlag = " (dirty)"
				}
				fmt.Fprintf(out, "Commit:       %s%s\n", info.CommitHash, dirtyFlag)
				fmt.Fprintf(out, "Commit time:  %s\n", info.CommitTime)
			}
			if info.BinaryHash != "" {
				fmt.Fprintf(out, "Binary hash:  %s\n", info.BinaryHash)
			}
			if info.GoVersion != "" {
				fmt.Fprintf(out, "Go version:   %s\n", info.GoVersion)
			}

			return nil
		},
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	var rootCmd = &cobra.Command{
		Use:           version.Program,
		Short:         "Paginating proxy for the telemetry query API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "Config file, or inline JSON config")

	// The logger depends on --debug, so it is installed once flags are parsed.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger, err := logging.New(flags.debug)
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)
		cmd.SetContext(logging.NewContextWithLogger(cmd.Context(), logger, flags.debug))
		return nil
	}

	rootCmd.AddCommand(
		mkServerCommandGroup(flags),
		mkConfigCommandGroup(flags),
		mkQueryCommand(flags),
		mkVersionCommand(),
	)

	return rootCmd
}

func Main() {
	rootCmd := newRootCommand()

	err := rootCmd.ExecuteContext(context.Background())

	_ = zap.L().Sync()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
