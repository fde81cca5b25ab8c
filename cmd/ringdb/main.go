package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	httpserver "ringdb/internal/http"
	"ringdb/pkg/cluster"
	"ringdb/pkg/config"
	"ringdb/pkg/replication"
	"ringdb/pkg/store"
)

var rootCmd = &cobra.Command{
	Use:   "ringdb",
	Short: "Replicated LSM key-value node",
	Long: `Start one ringdb node. Settings come from a YAML file, then from flags
or environment variables of the form RINGDB_<flag> (e.g. RINGDB_DATA_DIR=/var/lib/ringdb).`,
	SilenceUsage: true,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := initConfig(viper.GetString("config"))
		if err != nil {
			return err
		}
		initLogger(&cfg)

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return run(ctx, cfg)
	},
}

func init() {
	cobra.OnInitialize(initEnv)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "config.yaml", "path to the YAML config")
	flags.String("self", "", "base URL of this node, e.g. http://localhost:8080")
	flags.String("nodes", "", "comma-separated base URLs of all cluster nodes")
	flags.String("zk-servers", "", "comma-separated ZooKeeper servers; replaces --nodes with dynamic membership")
	flags.Int("port", 0, "HTTP port")
	flags.String("data-dir", "", "directory for SSTables")
	flags.String("log-level", "", "debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	db, err := store.New(cfg.DB)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()

	topology, membership, err := joinCluster(ctx, cfg.Cluster)
	if err != nil {
		return err
	}
	if membership != nil {
		defer membership.Close()
	}

	client := &http.Client{Timeout: cfg.Cluster.ProxyTimeout}
	coord := replication.NewCoordinator(topology, db,
		func(node string) replication.Peer {
			return cluster.NewHTTPPeer(node, cfg.Cluster.Self, client)
		},
		replication.WithProxyTimeout(cfg.Cluster.ProxyTimeout),
	)
	slog.Info("ringdb starting",
		"self", cfg.Cluster.Self,
		"nodes", topology.Nodes(),
		"data_dir", cfg.DB.Persistence.RootPath,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	if membership != nil {
		g.Go(func() error {
			membership.RunWatch(ctx, func(t *cluster.Topology) {
				coord.UpdateTopology(t)
			})
			return nil
		})
	}

	server := httpserver.NewServer(coord, db, cfg.Server)
	if err := server.Start(); err != nil {
		return err
	}

	g.Go(func() error {
		select {
		case err := <-db.Fatal():
			return errors.Wrap(err, "storage failed")
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		return server.Stop()
	})

	return g.Wait()
}

// joinCluster строит начальное кольцо: из статического списка нод или из
// ZooKeeper, если заданы его серверы.
func joinCluster(ctx context.Context, cfg config.ClusterConfig) (*cluster.Topology, *cluster.ZKMembership, error) {
	if !cfg.ZooKeeper.Enabled() {
		topology, err := cluster.NewTopology(cfg.Members(), cfg.Self, cfg.VirtualNodes)
		if err != nil {
			return nil, nil, errors.Wrap(err, "build topology")
		}
		return topology, nil, nil
	}

	zkc := cfg.ZooKeeper
	membership, err := cluster.NewZKMembership(zkc.Servers, zkc.Root, cfg.Self, cfg.VirtualNodes, zkc.SessionTimeout)
	if err != nil {
		return nil, nil, err
	}
	if err := membership.RegisterSelf(ctx); err != nil {
		membership.Close()
		return nil, nil, err
	}
	topology, err := membership.BuildTopology()
	if err != nil {
		membership.Close()
		return nil, nil, errors.Wrap(err, "build topology from zookeeper")
	}
	return topology, membership, nil
}
