package main

import (
	"fmt"
	"net"
	"strings"
	"text/tabwriter"

	"github.com/nixpig/udpjobs/certs"
	"github.com/nixpig/udpjobs/internal/config"
	"github.com/nixpig/udpjobs/internal/jobmanager"
	"github.com/nixpig/udpjobs/internal/jobmanager/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func rootCmd() *cobra.Command {
	var configPath string

	c := &cobra.Command{
		Use:          "udpjobd",
		Short:        "gRPC server running openEO batch jobs for every row of a job table",
		Example:      "  udpjobd --config udpjobs.yaml --debug",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}

			return runServer(cmd.Context(), cfg)
		},
	}

	c.PersistentFlags().StringVarP(&configPath, "config", "c", "udpjobs.yaml", "Path to config file")
	addRunFlags(c.PersistentFlags())

	c.Flags().String("address", "localhost:8443", "gRPC server address to bind")
	c.Flags().String("cert", "certs/server.crt", "Path to server TLS certificate")
	c.Flags().String("key", "certs/server.key", "Path to server TLS private key")
	c.Flags().String("ca-cert", "certs/ca.crt", "Path to CA certificate for mTLS")

	c.AddCommand(runCmd(&configPath), certsCmd())

	c.CompletionOptions.HiddenDefaultCmd = true

	return c
}

// addRunFlags adds the flags shared by the server and foreground runs.
func addRunFlags(flags *pflag.FlagSet) {
	flags.Bool("debug", false, "Enable debug logs")
	flags.String("input", "", "Path to CSV or GeoJSON job table")
	flags.String("output", "", "Path to job table snapshot")
	flags.Duration("interval", jobmanager.DefaultPollInterval, "Interval between job status polls")
}

// runCmd runs the job table in the foreground until every row is done or the
// process is interrupted.
func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "run",
		Short:   "Run the configured job table in the foreground",
		Example: "  udpjobd run --config udpjobs.yaml --output jobs.csv",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath, cmd.Flags())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			logger := newLogger(cmd.ErrOrStderr(), cfg.Debug)

			manager, err := newManager(ctx, cfg, logger)
			if err != nil {
				return err
			}

			runID, err := manager.Start(ctx)
			if err != nil {
				return err
			}

			logger.Info("started run", "run_id", runID)

			select {
			case <-manager.Done():
			case <-ctx.Done():
				logger.Info("interrupted, stopping run", "run_id", runID)
				manager.Stop()
			}

			runErr := manager.Wait()

			printStatus(cmd, manager.Status())

			return runErr
		},
	}
}

func certsCmd() *cobra.Command {
	var dir string
	var hosts []string

	c := &cobra.Command{
		Use:     "certs",
		Short:   "Generate a CA, server and client certificates for mTLS",
		Example: "  udpjobd certs --dir certs --host jobs.example.com",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, h := range hosts {
				if host, _, err := net.SplitHostPort(h); err == nil {
					return fmt.Errorf("host %q should not include a port, use %q", h, host)
				}
			}

			if err := certs.Generate(dir, hosts...); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote certificates to %s\n", dir)

			return nil
		},
	}

	c.Flags().StringVar(&dir, "dir", "certs", "Directory to write certificates to")
	c.Flags().StringSliceVar(&hosts, "host", nil, "Additional server host names or IPs")

	return c
}

func printStatus(cmd *cobra.Command, s jobmanager.RunStatus) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "RUN\tSTATE\tERROR\t\n")
	fmt.Fprintf(w, "%s\t%s\t%s\t\n", s.RunID, s.State, errString(s.Err))
	fmt.Fprintln(w)

	statuses := make([]string, 0, len(table.Statuses))
	counts := make([]string, 0, len(table.Statuses))
	for _, st := range table.Statuses {
		statuses = append(statuses, strings.ToUpper(st.String()))
		counts = append(counts, fmt.Sprint(s.Counts[st]))
	}

	fmt.Fprintf(w, "%s\t\n", strings.Join(statuses, "\t"))
	fmt.Fprintf(w, "%s\t\n", strings.Join(counts, "\t"))
}

func errString(err error) string {
	if err == nil {
		return "-"
	}

	return err.Error()
}
