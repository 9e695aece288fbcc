package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

type globalFlags struct {
	profile string
	json    bool
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "chatsyncctl",
		Short:         "Control a running chatsync daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&g.profile, "profile", "", "profile name (overrides config default)")
	cmd.PersistentFlags().BoolVar(&g.json, "json", false, "output in JSON format")
	cmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newStatusCmd(g))
	cmd.AddCommand(newListCmd(g))
	cmd.AddCommand(newOpenCmd(g))
	cmd.AddCommand(newCloseCmd(g))
	cmd.AddCommand(newOlderCmd(g))
	cmd.AddCommand(newSendCmd(g))
	cmd.AddCommand(newTypingCmd(g))
	cmd.AddCommand(newWatchCmd(g))
	cmd.AddCommand(newConfigCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatsyncctl %s (commit: %s)\n", Version, Commit)
		},
	}
}

// connect resolves the profile and dials its daemon.
func (g *globalFlags) connect() (*api.Client, *grpc.ClientConn, error) {
	name := profile.Resolve(g.profile)
	if err := profile.ValidateName(name); err != nil {
		return nil, nil, err
	}
	client, conn, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		return nil, nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	return client, conn, nil
}

// withClient runs fn with a connected client and a request deadline.
func (g *globalFlags) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *api.Client) error) error {
	client, conn, err := g.connect()
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()
	return fn(ctx, client)
}

func (g *globalFlags) print(out io.Writer, v any, text func()) {
	if !g.json {
		text()
		return
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
