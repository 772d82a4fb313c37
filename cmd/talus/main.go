package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/talus-io/talus/pkg/bus"
	"github.com/talus-io/talus/pkg/config"
	"github.com/talus-io/talus/pkg/controller"
	"github.com/talus-io/talus/pkg/hypervisor"
	"github.com/talus-io/talus/pkg/log"
	"github.com/talus-io/talus/pkg/metrics"
	"github.com/talus-io/talus/pkg/secrets"
	"github.com/talus-io/talus/pkg/storage"
	"github.com/talus-io/talus/pkg/types"
	"github.com/talus-io/talus/pkg/worker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "talus",
	Short: "Talus - a VM-based job execution platform",
	Long: `Talus drips user-submitted jobs onto a bus as VM drops, runs each
drop to completion inside an isolated virtual machine, and reports guest
progress back through a Raft-replicated control plane.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("talus version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(workerCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run a Talus controller replica",
}

var controllerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a controller replica and bootstrap or join its Raft group",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		busURL, _ := cmd.Flags().GetString("bus-url")
		clusterID, _ := cmd.Flags().GetString("cluster-id")
		bootstrap, _ := cmd.Flags().GetBool("bootstrap")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")
		dbHost, _ := cmd.Flags().GetString("db-host")
		imageURL, _ := cmd.Flags().GetString("image-url")
		codeLoc, _ := cmd.Flags().GetString("code-loc")
		codeUsername, _ := cmd.Flags().GetString("code-username")
		codePassword, _ := cmd.Flags().GetString("code-password")
		configPath, _ := cmd.Flags().GetString("config")

		if configPath != "" {
			cfg, err := config.LoadController(configPath)
			if err != nil {
				return fmt.Errorf("load controller config: %w", err)
			}
			applyStringDefault(cmd, "data-dir", cfg.DataDir, &dataDir)
			applyStringDefault(cmd, "bus-url", cfg.BusURL, &busURL)
			applyStringDefault(cmd, "cluster-id", cfg.ClusterID, &clusterID)
			applyStringDefault(cmd, "metrics-addr", cfg.MetricsAddr, &metricsAddr)
			applyStringDefault(cmd, "db-host", cfg.DBHost, &dbHost)
			applyStringDefault(cmd, "image-url", cfg.ImageURL, &imageURL)
		}

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		b, err := bus.NewJetStreamBus(busURL)
		if err != nil {
			return fmt.Errorf("connect to bus: %w", err)
		}
		defer b.Stop()

		secretsMgr, err := secrets.NewManager(secrets.DeriveKey(clusterID))
		if err != nil {
			return fmt.Errorf("init secrets manager: %w", err)
		}

		code := types.CodeCredentials{Loc: codeLoc, Username: codeUsername, Password: codePassword}
		if err := secretsMgr.EncryptCodeCredentials(&code); err != nil {
			return fmt.Errorf("encrypt code credentials: %w", err)
		}

		c := controller.New(controller.RaftConfig{
			NodeID:   nodeID,
			BindAddr: bindAddr,
			DataDir:  dataDir,
		}, store, b, secretsMgr, controller.SlaveManagerConfig{
			DBHost:   dbHost,
			ImageURL: imageURL,
			Code:     code,
		})

		if bootstrap {
			if err := c.Bootstrap(); err != nil {
				return fmt.Errorf("bootstrap raft group: %w", err)
			}
			fmt.Println("✓ controller bootstrapped as sole raft member")
		} else {
			if err := c.Join(); err != nil {
				return fmt.Errorf("join raft group: %w", err)
			}
			fmt.Println("✓ controller started, awaiting AddVoter from leader")
		}

		metrics.SetVersion(Version)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		c.Start(ctx)

		go serveMetrics(metricsAddr, pprofEnabled)

		fmt.Printf("controller running: node=%s bind=%s metrics=http://%s/metrics\n", nodeID, bindAddr, metricsAddr)
		waitForShutdown()

		c.Stop()
		fmt.Println("✓ controller shut down")
		return nil
	},
}

func init() {
	controllerCmd.AddCommand(controllerStartCmd)
	controllerStartCmd.Flags().String("node-id", "controller-1", "Unique raft node id for this replica")
	controllerStartCmd.Flags().String("bind-addr", "127.0.0.1:9001", "Raft transport bind address")
	controllerStartCmd.Flags().String("data-dir", "/var/lib/talus/controller", "Directory for the raft log and bbolt store")
	controllerStartCmd.Flags().String("bus-url", "nats://127.0.0.1:4222", "NATS JetStream connection URL")
	controllerStartCmd.Flags().String("cluster-id", "talus-dev", "Cluster identifier used to derive the credential-encryption key")
	controllerStartCmd.Flags().Bool("bootstrap", false, "Bootstrap a brand-new raft group with this replica as its only member")
	controllerStartCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the /metrics, /health, /ready, and /live endpoints")
	controllerStartCmd.Flags().Bool("enable-pprof", false, "Expose pprof profiling endpoints alongside metrics")
	controllerStartCmd.Flags().String("db-host", "", "Database host handed to workers in the config handshake reply")
	controllerStartCmd.Flags().String("image-url", "", "Base image download URL handed to workers in the config handshake reply")
	controllerStartCmd.Flags().String("code-loc", "", "Code-cache location handed to workers in the config handshake reply")
	controllerStartCmd.Flags().String("code-username", "", "Code-cache username handed to workers in the config handshake reply")
	controllerStartCmd.Flags().String("code-password", "", "Code-cache password handed to workers in the config handshake reply")
	controllerStartCmd.Flags().String("config", "", "YAML file of static operator settings, layered underneath these flags")
}

// applyStringDefault overwrites *dst with fileValue when flagName was not
// explicitly passed on the command line and fileValue is non-empty: CLI
// flags always win over the config file.
func applyStringDefault(cmd *cobra.Command, flagName, fileValue string, dst *string) {
	if fileValue != "" && !cmd.Flags().Changed(flagName) {
		*dst = fileValue
	}
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Talus worker (slave) process",
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a worker that consumes job drops and runs them in VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		busURL, _ := cmd.Flags().GetString("bus-url")
		maxVMs, _ := cmd.Flags().GetInt("max-vms")
		scratchDir, _ := cmd.Flags().GetString("scratch-dir")
		imageStoreDir, _ := cmd.Flags().GetString("image-store-dir")
		runtimeDir, _ := cmd.Flags().GetString("runtime-dir")
		network, _ := cmd.Flags().GetString("network")
		bridgeIPStr, _ := cmd.Flags().GetString("bridge-ip")
		codeCacheHost, _ := cmd.Flags().GetString("code-cache-host")
		libvirtSocket, _ := cmd.Flags().GetString("libvirt-socket")
		vncBasePort, _ := cmd.Flags().GetInt("vnc-base-port")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")
		configPath, _ := cmd.Flags().GetString("config")

		if configPath != "" {
			cfg, err := config.LoadWorker(configPath)
			if err != nil {
				return fmt.Errorf("load worker config: %w", err)
			}
			applyStringDefault(cmd, "bus-url", cfg.BusURL, &busURL)
			applyStringDefault(cmd, "scratch-dir", cfg.ScratchDir, &scratchDir)
			applyStringDefault(cmd, "image-store-dir", cfg.ImageStoreDir, &imageStoreDir)
			applyStringDefault(cmd, "runtime-dir", cfg.RuntimeDir, &runtimeDir)
			applyStringDefault(cmd, "network", cfg.Network, &network)
			applyStringDefault(cmd, "bridge-ip", cfg.BridgeIP, &bridgeIPStr)
			applyStringDefault(cmd, "code-cache-host", cfg.CodeCacheHost, &codeCacheHost)
			applyStringDefault(cmd, "metrics-addr", cfg.MetricsAddr, &metricsAddr)
			if cfg.MaxVMs > 0 && !cmd.Flags().Changed("max-vms") {
				maxVMs = cfg.MaxVMs
			}
		}

		bridgeIP := net.ParseIP(bridgeIPStr)
		if bridgeIP == nil {
			return fmt.Errorf("invalid --bridge-ip %q", bridgeIPStr)
		}

		b, err := bus.NewJetStreamBus(busURL)
		if err != nil {
			return fmt.Errorf("connect to bus: %w", err)
		}
		defer b.Stop()

		driver := hypervisor.NewDriver(libvirtSocket, vncBasePort)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := driver.Connect(ctx); err != nil {
			return fmt.Errorf("connect to libvirt: %w", err)
		}
		defer driver.Close()

		slave, err := worker.NewSlave(worker.SlaveConfig{
			MaxVMs:        maxVMs,
			ScratchDir:    scratchDir,
			ImageStoreDir: imageStoreDir,
			RuntimeDir:    runtimeDir,
			Network:       network,
			BridgeIP:      bridgeIP,
			CodeCacheHost: codeCacheHost,
		}, b, driver)
		if err != nil {
			return fmt.Errorf("init slave: %w", err)
		}

		metrics.SetVersion(Version)
		metrics.RegisterComponent("bus", true, "bus connected")
		metrics.RegisterComponent("libvirt", true, "connected")

		collector := metrics.NewCollector(func() int { return slave.Stats().RunningVMs })
		collector.Start()
		defer collector.Stop()

		go serveMetrics(metricsAddr, pprofEnabled)

		errCh := make(chan error, 1)
		go func() {
			if err := slave.Run(ctx); err != nil {
				errCh <- err
			}
		}()

		fmt.Printf("worker running: max_vms=%d metrics=http://%s/metrics\n", maxVMs, metricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			fmt.Println("\nshutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nworker error: %v\n", err)
		}

		cancel()
		fmt.Println("✓ worker shut down")
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerStartCmd)
	workerStartCmd.Flags().String("bus-url", "nats://127.0.0.1:4222", "NATS JetStream connection URL")
	workerStartCmd.Flags().Int("max-vms", 4, "Maximum number of VMs this worker runs concurrently")
	workerStartCmd.Flags().String("scratch-dir", "/var/lib/talus/scratch", "Directory for per-VM overlay disks and config ISOs")
	workerStartCmd.Flags().String("image-store-dir", "/var/lib/talus/images", "Directory for cached base images")
	workerStartCmd.Flags().String("runtime-dir", "/run/talus", "Directory for per-domain pidfiles")
	workerStartCmd.Flags().String("network", "talus-net", "libvirt network name VMs attach to")
	workerStartCmd.Flags().String("bridge-ip", "192.168.122.1", "IP address of the libvirt bridge device this worker's VMs attach to")
	workerStartCmd.Flags().String("code-cache-host", "code-cache.talus.internal", "Host always reachable under a whitelist network restriction")
	workerStartCmd.Flags().String("libvirt-socket", "/var/run/libvirt/libvirt-sock", "Path to the libvirt RPC unix socket")
	workerStartCmd.Flags().Int("vnc-base-port", 5900, "First VNC port allocated to a VM on this worker")
	workerStartCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "Address for the /metrics, /health, /ready, and /live endpoints")
	workerStartCmd.Flags().Bool("enable-pprof", false, "Expose pprof profiling endpoints alongside metrics")
	workerStartCmd.Flags().String("config", "", "YAML file of static operator settings, layered underneath these flags")
}

func serveMetrics(addr string, pprofEnabled bool) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if pprofEnabled {
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
	}
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server error", err)
	}
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	time.Sleep(50 * time.Millisecond) // let in-flight raft apply calls settle
}
