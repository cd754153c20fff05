package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dftp-io/dftp/pkg/auth"
	"github.com/dftp-io/dftp/pkg/client"
	"github.com/dftp-io/dftp/pkg/config"
	"github.com/dftp-io/dftp/pkg/discovery"
	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/metrics"
	"github.com/dftp-io/dftp/pkg/processing"
	"github.com/dftp-io/dftp/pkg/routing"
	"github.com/dftp-io/dftp/pkg/storage"
	"github.com/dftp-io/dftp/pkg/transport"
	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

var (
	flagConfig   string
	flagName     string
	flagIP       string
	flagSubnet   string
	flagLogLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dftp",
		Short: "Distributed FTP server node",
		Long: `dftp runs one node of a distributed FTP cluster.

A cluster is made of five roles: registry nodes track membership, auth
nodes check credentials, routing nodes talk FTP to clients, processing
nodes execute the commands, and storage nodes hold the files. Every
role is a subcommand; nodes find each other by probing the deployment
subnet for registries.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&flagName, "name", "", "node name (unique in the cluster)")
	rootCmd.PersistentFlags().StringVar(&flagIP, "ip", "", "address to bind and advertise")
	rootCmd.PersistentFlags().StringVar(&flagSubnet, "subnet", "", "CIDR range probed for registries")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		registryCmd(),
		authCmd(),
		routingCmd(),
		processingCmd(),
		storageCmd(),
		nodesCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers flags over the file and environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagName != "" {
		cfg.Name = flagName
	}
	if flagIP != "" {
		cfg.IP = flagIP
	}
	if flagSubnet != "" {
		cfg.Subnet = flagSubnet
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}

// service is anything with a blocking-free Start and a Stop.
type service interface {
	Start() error
	Stop()
}

// run starts the node, serves metrics if configured, and blocks until
// SIGINT or SIGTERM.
func run(cfg *config.Config, role types.Role, svc service) error {
	logger := log.WithNode(cfg.Name)
	logger.Info().Str("role", string(role)).Str("ip", cfg.IP).Msg("starting node")

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint enabled")
	}

	if err := svc.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	svc.Stop()
	return nil
}

func newLocator(cfg *config.Config, node *transport.Node, role types.Role) (*discovery.Locator, error) {
	return discovery.NewLocator(node, role, cfg.Subnet,
		cfg.HeartbeatInterval, cfg.ProbeTimeout, cfg.ProbeWorkers)
}

func registryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "registry",
		Short: "Run a registry node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			node := transport.NewNode(cfg.Name, cfg.IP, cfg.ControlPort)
			reg, err := discovery.NewRegistry(node, discovery.RegistryOptions{
				Subnet:           cfg.Subnet,
				HeartbeatTimeout: cfg.HeartbeatTimeout,
				CleanInterval:    cfg.CleanInterval,
				GossipInterval:   cfg.HeartbeatInterval,
				ProbeTimeout:     cfg.ProbeTimeout,
				ProbeWorkers:     cfg.ProbeWorkers,
			})
			if err != nil {
				return err
			}
			return run(cfg, types.RoleRegistry, reg)
		},
	}
}

func authCmd() *cobra.Command {
	var usersFile string
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Run an auth node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if usersFile != "" {
				cfg.UsersFile = usersFile
			}
			node := transport.NewNode(cfg.Name, cfg.IP, cfg.ControlPort)
			locator, err := newLocator(cfg, node, types.RoleAuth)
			if err != nil {
				return err
			}
			store, err := auth.NewStore(cfg.UsersFile)
			if err != nil {
				return err
			}
			return run(cfg, types.RoleAuth, auth.New(node, store, locator, cfg.HeartbeatInterval))
		},
	}
	cmd.Flags().StringVar(&usersFile, "users-file", "", "path to the user database")
	return cmd
}

func routingCmd() *cobra.Command {
	var ftpPort int
	cmd := &cobra.Command{
		Use:   "routing",
		Short: "Run a routing node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ftpPort != 0 {
				cfg.FTPPort = ftpPort
			}
			node := transport.NewNode(cfg.Name, cfg.IP, cfg.ControlPort)
			locator, err := newLocator(cfg, node, types.RoleRouting)
			if err != nil {
				return err
			}
			return run(cfg, types.RoleRouting, routing.New(node, locator, cfg.FTPPort, cfg.HeartbeatInterval))
		},
	}
	cmd.Flags().IntVar(&ftpPort, "ftp-port", 0, "client-facing FTP port")
	return cmd
}

func processingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "processing",
		Short: "Run a processing node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			node := transport.NewNode(cfg.Name, cfg.IP, cfg.ControlPort)
			locator, err := newLocator(cfg, node, types.RoleProcessing)
			if err != nil {
				return err
			}
			return run(cfg, types.RoleProcessing, processing.New(node, locator))
		},
	}
}

func storageCmd() *cobra.Command {
	var fsRoot string
	var replicationK int
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Run a storage node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if fsRoot != "" {
				cfg.FSRoot = fsRoot
			}
			if replicationK > 0 {
				cfg.ReplicationK = replicationK
			}
			node := transport.NewNode(cfg.Name, cfg.IP, cfg.ControlPort)
			locator, err := newLocator(cfg, node, types.RoleData)
			if err != nil {
				return err
			}
			fs, err := storage.NewManager(cfg.FSRoot)
			if err != nil {
				return err
			}
			meta := storage.NewMetadataTable(filepath.Join(cfg.FSRoot, "metadata.json"))
			svc := storage.New(node, fs, meta, locator, storage.Options{
				ReplicationK:   cfg.ReplicationK,
				GossipInterval: cfg.HeartbeatInterval,
			})
			return run(cfg, types.RoleData, svc)
		},
	}
	cmd.Flags().StringVar(&fsRoot, "fs-root", "", "directory files are stored under")
	cmd.Flags().IntVar(&replicationK, "replication-k", 0, "replica acknowledgements a write waits for")
	return cmd
}

func nodesCmd() *cobra.Command {
	var registryIP string
	var roleFilter string
	var controlPort int
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the nodes a registry knows about",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(registryIP, client.WithPort(controlPort))
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()

			if roleFilter != "" {
				role, err := types.ParseRole(roleFilter)
				if err != nil {
					return err
				}
				refs, err := c.NodesByRole(role)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "NAME\tIP")
				for _, ref := range refs {
					fmt.Fprintf(w, "%s\t%s\n", ref.Name, ref.IP)
				}
				return nil
			}

			entries, err := c.Nodes()
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "NAME\tIP\tROLE\tLAST HEARTBEAT")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, e.IP, e.Role,
					time.Unix(e.LastHeartbeat, 0).Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&registryIP, "registry", "", "address of a registry node")
	cmd.MarkFlagRequired("registry")
	cmd.Flags().StringVar(&roleFilter, "role", "", "only list nodes with this role")
	cmd.Flags().IntVar(&controlPort, "control-port", wire.ControlPort, "control port the cluster uses")
	return cmd
}
