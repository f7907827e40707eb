package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/zoff-tech/elasticsearch-raven/pkg/listener"
	"github.com/zoff-tech/elasticsearch-raven/pkg/processor"
)

// RootCmd is the root Cobra command that gets called from the main func.
func RootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "raven-proxy",
		Short: "raven-proxy forwards Sentry error reports to Elasticsearch.",
		Long: `raven-proxy accepts Sentry client reports over UDP or HTTP, rewrites their
free-form fields into type-qualified names and indexes them in Elasticsearch.

Settings are read from raven.yaml and raven.<ENVIRONMENT>.yaml in the --config
directory, then from RAVEN_* environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	cmd.PersistentFlags().StringVar(&a.configDir, "config", ".", "directory holding raven.yaml")
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "log every received datagram")

	cmd.AddCommand(
		udpCmd(a),
		httpCmd(a),
		handlerCmd(a),
		senderCmd(a),
		reindexCmd(a),
	)
	return cmd
}

// Receive datagrams and deliver them from one process.
func udpCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "udp ADDRESS",
		Short: "Listen for UDP reports on ADDRESS (udp://host:port or fd://N) and deliver them.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}
			defer q.Close()

			p, err := a.newProcessor(q)
			if err != nil {
				return err
			}
			conn, err := listener.ListenUDP(args[0])
			if err != nil {
				return err
			}
			l, err := listener.NewUDPListener(conn, a.settings.Listener.ReadTimeout, a.listenerDeps(q))
			if err != nil {
				conn.Close()
				return err
			}
			return a.run(ctx, l, p, q)
		},
	}
}

// Accept HTTP reports and deliver them from one process.
func httpCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "http",
		Short: "Accept HTTP reports on listener.http_address and deliver them.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}
			defer q.Close()

			p, err := a.newProcessor(q)
			if err != nil {
				return err
			}
			l, err := listener.NewHTTPListener(a.settings.Listener.HTTPAddress, a.registry, a.listenerDeps(q))
			if err != nil {
				return err
			}
			return a.run(ctx, l, p, q)
		},
	}
}

// Receive datagrams into a durable queue for a separate sender.
func handlerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "handler ADDRESS",
		Short: "Listen for UDP reports on ADDRESS and put them on the durable queue.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.settings.Queue.Durable() {
				return errors.New("handler needs a durable queue; set queue.type")
			}
			ctx := cmd.Context()
			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}
			defer q.Close()

			conn, err := listener.ListenUDP(args[0])
			if err != nil {
				return err
			}
			l, err := listener.NewUDPListener(conn, a.settings.Listener.ReadTimeout, a.listenerDeps(q))
			if err != nil {
				conn.Close()
				return err
			}
			return a.run(ctx, l, nil, q)
		},
	}
}

// Deliver messages a handler put on the durable queue.
func senderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sender",
		Short: "Deliver messages from the durable queue to Elasticsearch.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.settings.Queue.Durable() {
				return errors.New("sender needs a durable queue; set queue.type")
			}
			ctx := cmd.Context()
			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}
			defer q.Close()

			p, err := a.newProcessor(q)
			if err != nil {
				return err
			}
			return a.run(ctx, nil, p, q)
		},
	}
}

// Recompute the content-hash ids of stored reports.
func reindexCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Move stored reports whose id is not their content hash.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, err := cmd.Flags().GetString("indices")
			if err != nil {
				return err
			}
			if pattern == "" {
				pattern = "*,-" + a.settings.Elasticsearch.ErrorIndex
			}
			es, err := a.errorStore()
			if err != nil {
				return err
			}
			result, err := processor.Reindex(cmd.Context(), es, pattern, a.settings.Elasticsearch.DocType, nil, a.log)
			fmt.Fprintf(cmd.OutOrStdout(), "Logs: %d\nModified: %d\n", result.Logs, result.Modified)
			return err
		},
	}
	cmd.Flags().String("indices", "", "index pattern to scan (default: every index except the error index)")
	return cmd
}
