// Command registryctl manages projects and uploads artifacts to a registry server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-registry/pkg/client"
)

const defaultServer = "http://localhost:8000"

type rootOptions struct {
	server  string
	verbose bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "registryctl",
		Short:        "CLI for the project registry",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(tint.NewHandler(cmd.ErrOrStderr(), &tint.Options{
				Level:      level,
				TimeFormat: time.Kitchen,
			})))
		},
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", os.Getenv("REGISTRY_URL"), "registry server URL (default: stored server or "+defaultServer+")")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log retries and requests")

	cmd.AddCommand(
		newLoginCmd(opts),
		newWhoamiCmd(),
		newLogoutCmd(),
		newProjectsCmd(opts),
		newPushCmd(opts),
		newDownloadCmd(opts),
	)
	return cmd
}

// serverURL picks the flag, then the server stored at login, then the default
func (o *rootOptions) serverURL(creds *credentials) string {
	if o.server != "" {
		return o.server
	}
	if creds != nil && creds.Server != "" {
		return creds.Server
	}
	return defaultServer
}

// newClient builds an authenticated client from stored credentials
func (o *rootOptions) newClient() (*client.Client, error) {
	creds, err := loadCredentials()
	if err != nil {
		return nil, err
	}
	c, err := client.New(o.serverURL(creds), client.WithToken(creds.Token), client.WithLogger(slog.Default()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return c, nil
}
