package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"text/tabwriter"

	api "github.com/nixpig/udpjobs/api/v1"
	"github.com/nixpig/udpjobs/internal/tlsconfig"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

const version = "0.1.0"

// connFlags locate the server and the client identity presented to it.
type connFlags struct {
	server string
	caCert string
	cert   string
	key    string
}

type cli struct {
	client api.RunServiceClient
	conn   *grpc.ClientConn
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	flags := &connFlags{}

	command := &cobra.Command{
		Use:          "udpjobctl",
		Short:        "CLI for controlling the runs of a udpjobd server",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Tests inject a client.
			if c.client != nil {
				return nil
			}

			return c.connect(flags)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.conn == nil {
				return nil
			}

			return c.conn.Close()
		},
	}

	command.AddCommand(
		c.startCmd(),
		c.stopCmd(),
		c.statusCmd(),
		c.watchCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	pf := command.PersistentFlags()
	pf.StringVarP(&flags.server, "server", "s", "localhost:8443", "Server address as host:port")
	pf.StringVar(&flags.cert, "cert", "certs/client-operator.crt", "Path to client TLS certificate")
	pf.StringVar(&flags.key, "key", "certs/client-operator.key", "Path to client TLS private key")
	pf.StringVar(&flags.caCert, "ca-cert", "certs/ca.crt", "Path to CA certificate for mTLS")

	return command
}

// connect dials the server of flags. The connection stays open for the
// duration of the subcommand.
func (c *cli) connect(flags *connFlags) error {
	host, _, err := net.SplitHostPort(flags.server)
	if err != nil {
		return fmt.Errorf("invalid server address %q: %w", flags.server, err)
	}

	creds, err := tlsconfig.Credentials(&tlsconfig.Config{
		CertPath:   flags.cert,
		KeyPath:    flags.key,
		CACertPath: flags.caCert,
		ServerName: host,
	})
	if err != nil {
		return err
	}

	c.conn, err = grpc.NewClient(flags.server, grpc.WithTransportCredentials(creds))
	if err != nil {
		return err
	}

	c.client = api.NewRunServiceClient(c.conn)

	return nil
}

func (c *cli) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "start",
		Short:   "Start a run of the configured job table",
		Example: "  udpjobctl start",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.StartRun(cmd.Context(), &emptypb.Empty{})
			if err != nil {
				return mapError(err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), resp.GetValue())

			return nil
		},
	}
}

func (c *cli) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Short:   "Stop the active run and cancel its unfinished jobs",
		Example: "  udpjobctl stop",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.client.StopRun(cmd.Context(), &emptypb.Empty{}); err != nil {
				return mapError(err)
			}

			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show the status of the most recent run",
		Example: "  udpjobctl status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.GetRun(cmd.Context(), &emptypb.Empty{})
			if err != nil {
				return mapError(err)
			}

			st, err := api.ParseRunStatus(resp)
			if err != nil {
				return err
			}

			printStatus(cmd.OutOrStdout(), st)

			return nil
		},
	}
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Short:   "Stream the row transitions of the most recent run as JSON lines",
		Example: "  udpjobctl watch | jq .",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := c.client.WatchRun(cmd.Context(), &emptypb.Empty{})
			if err != nil {
				return mapError(err)
			}

			for {
				resp, err := stream.Recv()
				if err != nil {
					if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
						break
					}

					return mapError(err)
				}

				out := cmd.OutOrStdout()
				out.Write(resp.GetValue())
				out.Write([]byte("\n"))
			}

			return nil
		},
	}
}

// printStatus writes s as two tables: the run, then the row counts and load
// of each backend.
func printStatus(out io.Writer, s api.RunStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	runID := s.RunID
	if runID == "" {
		runID = "-"
	}

	errMsg := s.Error
	if errMsg == "" {
		errMsg = "-"
	}

	fmt.Fprintf(w, "RUN\tSTATE\tERROR\t\n")
	fmt.Fprintf(w, "%s\t%s\t%s\t\n", runID, s.State, errMsg)
	fmt.Fprintln(w)

	keys := make([]string, 0, len(s.Counts))
	for k := range s.Counts {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		return statusOrder(keys[i]) < statusOrder(keys[j])
	})

	fmt.Fprintf(w, "STATUS\tROWS\t\n")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%d\t\n", k, s.Counts[k])
	}

	if len(s.Backends) == 0 {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "BACKEND\tACTIVE\tLIMIT\tSUBMITTED\t\n")
	for _, b := range s.Backends {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t\n", b.Name, b.Active, b.Limit, b.Submitted)
	}
}

var statuses = []string{"not_started", "queued", "running", "finished", "error", "cancelled"}

// statusOrder sorts row statuses in lifecycle order, unknown ones last.
func statusOrder(s string) int {
	for i, st := range statuses {
		if strings.EqualFold(st, s) {
			return i
		}
	}

	return len(statuses)
}

// mapError translates gRPC errors to human-readable messages.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.PermissionDenied:
		return errors.New("permission denied")
	case codes.Unauthenticated:
		return errors.New("not authenticated")
	case codes.Unavailable:
		return errors.New("server unavailable")
	default:
		return fmt.Errorf("%s", st.Message())
	}
}
