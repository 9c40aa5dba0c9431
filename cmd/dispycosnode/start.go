package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/dispycosnode/pkg/cleanup"
	"github.com/cuemby/dispycosnode/pkg/fabric"
	"github.com/cuemby/dispycosnode/pkg/heartbeat"
	"github.com/cuemby/dispycosnode/pkg/log"
	"github.com/cuemby/dispycosnode/pkg/metrics"
	"github.com/cuemby/dispycosnode/pkg/node"
	"github.com/cuemby/dispycosnode/pkg/security"
	"github.com/cuemby/dispycosnode/pkg/store"
	"github.com/cuemby/dispycosnode/pkg/types"
	"github.com/spf13/cobra"
)

// handoffFile is the small JSON file start writes under the node's
// data directory so the status/close/quit/terminate subcommands,
// which run as separate processes, can find the running node's
// control endpoint and the admin auth token it requires.
const handoffFile = "node.admin.json"

type handoff struct {
	Addr string `json:"addr"`
	Port int    `json:"port"`
	Name string `json:"name"`
	Auth string `json:"auth"`
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the node daemon",
	Long: `Start registers the node's control endpoint on the messaging fabric,
clears a prior instance's pid-file records with --clean (or refuses to
start over them without it), and serves
reserve/client/release requests from a scheduler until a signal or a
local admin command stops it.`,
	RunE: runStart,
}

func init() {
	registerNodeConfigFlags(startCmd)
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := buildNodeConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.DestPath == "" {
		return fmt.Errorf("--dest must not be empty")
	}
	if err := os.MkdirAll(cfg.DestPath, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.Open(cfg.DestPath)
	if err != nil {
		return fmt.Errorf("failed to open instance store: %w", err)
	}
	defer st.Close()

	cleanEngine := cleanup.New(st, cfg.DestPath)

	if cfg.Clean {
		fmt.Println("Cleaning up any prior instance in the data directory...")
		if err := cleanEngine.BootClean(); err != nil {
			return fmt.Errorf("failed to clean prior instance: %w", err)
		}
	} else if _, had, _ := st.GetPIDFile("node"); had {
		return fmt.Errorf("a prior node instance may still be running in %s; pass --clean to take over", cfg.DestPath)
	}

	host, _ := cmd.Flags().GetString("host")

	fb, err := buildFabric(host, cfg.NodePorts[0], cfg)
	if err != nil {
		return err
	}
	defer fb.Close()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve own executable path: %w", err)
	}

	var window node.ServiceWindow
	if cfg.HasServiceWindow() {
		window = heartbeat.NewWindow(cfg.ServiceStart, cfg.ServiceStop, cfg.ServiceEnd)
	}

	logLevel, _ := cmd.Flags().GetString("log-level")

	n, err := node.New(node.Config{
		NodeConfig: cfg,
		Fabric:     fb,
		Store:      st,
		Cleanup:    cleanEngine,
		Window:     window,
		Command:    workerCommandFactory(exe, host, cfg, logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to create node controller: %w", err)
	}

	n.Start()
	defer n.Stop()

	if err := cleanEngine.MarkNodeAlive(store.PIDFile{PID: os.Getpid(), PPID: os.Getppid(), SpawnerPID: os.Getpid()}); err != nil {
		log.Warn(fmt.Sprintf("failed to record node pid-file: %v", err))
	}
	defer cleanEngine.ReleaseNode()

	if err := writeHandoff(cfg.DestPath, n.Endpoint(), n.AdminAuth()); err != nil {
		log.Warn(fmt.Sprintf("failed to write admin hand-off file: %v", err))
	}
	defer removeHandoff(cfg.DestPath)

	hb := heartbeat.New(n, pulseTick(cfg))
	hb.Start()
	defer hb.Stop()

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsHandler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(fmt.Sprintf("metrics server stopped: %v", err))
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(ctx)
	}()

	fmt.Printf("dispycosnode started: name=%s cpus=%d control=%s:%d\n", displayName(cfg), cfg.NumCPUs, n.Endpoint().Addr, n.Endpoint().Port)
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
	fmt.Println("Node is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")
	return nil
}

func displayName(cfg types.NodeConfig) string {
	if cfg.Name == "" {
		return "dispycos_node"
	}
	return cfg.Name
}

func buildFabric(host string, port int, cfg types.NodeConfig) (fabric.Fabric, error) {
	if security.CertExists(cfg.CertFile, cfg.KeyFile, cfg.CAFile) {
		return fabric.NewGRPCFabric(host, port, cfg.CertFile, cfg.KeyFile, cfg.CAFile)
	}
	log.Warn("no cert/key/ca configured, starting fabric without transport security")
	return fabric.NewInsecureGRPCFabric(host, port)
}

// workerCommandFactory builds the node.WorkerCommand that re-execs
// this same binary in hidden `__serve` mode for each worker slot the
// spawner brings up.
func workerCommandFactory(exe, host string, cfg types.NodeConfig, logLevel string) node.WorkerCommand {
	return func(slotID uint32, iid uint64) (*exec.Cmd, error) {
		port := 0
		if int(slotID) < len(cfg.NodePorts) {
			port = cfg.NodePorts[slotID]
		}
		scratch := filepath.Join(cfg.DestPath, fmt.Sprintf("dispycos_server_%d", slotID))
		if err := os.MkdirAll(scratch, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create scratch dir for slot %d: %w", slotID, err)
		}

		c := exec.Command(exe, "__serve",
			"--slot", fmt.Sprint(slotID),
			"--iid", fmt.Sprint(iid),
			"--port", fmt.Sprint(port),
			"--node-host", host,
			"--node-port", fmt.Sprint(cfg.NodePorts[0]),
			"--node-name", displayName(cfg),
			"--cert-file", cfg.CertFile,
			"--key-file", cfg.KeyFile,
			"--ca-file", cfg.CAFile,
			"--log-level", logLevel,
		)
		c.Dir = scratch
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return c, nil
	}
}

// pulseTick picks how often the node's controller ticks its
// heartbeat cycle: the zombie sweep needs to run well inside a single
// zombie_period, so the tick is the tighter of one second and a third
// of it.
func pulseTick(cfg types.NodeConfig) time.Duration {
	tick := time.Second
	if cfg.ZombiePeriod > 0 {
		if third := cfg.ZombiePeriod / 3; third < tick {
			tick = third
		}
	}
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	return tick
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func writeHandoff(destPath string, ep types.Endpoint, token string) error {
	data, err := json.Marshal(handoff{Addr: ep.Addr, Port: ep.Port, Name: ep.Name, Auth: token})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destPath, handoffFile), data, 0o600)
}

func removeHandoff(destPath string) {
	_ = os.Remove(filepath.Join(destPath, handoffFile))
}

func readHandoff(destPath string) (handoff, error) {
	data, err := os.ReadFile(filepath.Join(destPath, handoffFile))
	if err != nil {
		return handoff{}, fmt.Errorf("failed to read admin hand-off file (is the node running?): %w", err)
	}
	var h handoff
	if err := json.Unmarshal(data, &h); err != nil {
		return handoff{}, fmt.Errorf("failed to parse admin hand-off file: %w", err)
	}
	return h, nil
}
