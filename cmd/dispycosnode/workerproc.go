package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/dispycosnode/pkg/fabric"
	"github.com/cuemby/dispycosnode/pkg/log"
	"github.com/cuemby/dispycosnode/pkg/plugin"
	"github.com/cuemby/dispycosnode/pkg/security"
	"github.com/cuemby/dispycosnode/pkg/types"
	"github.com/cuemby/dispycosnode/pkg/worker"
	"github.com/spf13/cobra"
)

// fabricBindAttempts/fabricBindBackoff bound how hard a worker retries
// a transient port bind failure before giving up and exiting non-zero.
const (
	fabricBindAttempts = 5
	fabricBindBackoff  = 2 * time.Second
)

// serveCmd is the hidden re-exec target the node's spawner launches
// one of per reserved slot: it is never meant to be invoked directly
// by an operator.
var serveCmd = &cobra.Command{
	Use:    "__serve",
	Hidden: true,
	Short:  "Internal: run a single worker slot (invoked by the node's spawner)",
	RunE:   runServe,
}

func init() {
	serveCmd.Flags().Uint32("slot", 0, "server slot id")
	serveCmd.Flags().Uint64("iid", 0, "slot instance id")
	serveCmd.Flags().Int("port", 0, "port this worker's fabric listener binds to (0 = ephemeral)")
	serveCmd.Flags().String("node-host", "127.0.0.1", "the node's control endpoint host")
	serveCmd.Flags().Int("node-port", 0, "the node's control endpoint port")
	serveCmd.Flags().String("node-name", "dispycos_node", "the node's registered endpoint name")
	serveCmd.Flags().String("cert-file", "", "TLS certificate file")
	serveCmd.Flags().String("key-file", "", "TLS key file")
	serveCmd.Flags().String("ca-file", "", "TLS CA file")
}

func runServe(cmd *cobra.Command, args []string) error {
	slot, _ := cmd.Flags().GetUint32("slot")
	iid, _ := cmd.Flags().GetUint64("iid")
	port, _ := cmd.Flags().GetInt("port")
	nodeHost, _ := cmd.Flags().GetString("node-host")
	nodePort, _ := cmd.Flags().GetInt("node-port")
	nodeName, _ := cmd.Flags().GetString("node-name")
	certFile, _ := cmd.Flags().GetString("cert-file")
	keyFile, _ := cmd.Flags().GetString("key-file")
	caFile, _ := cmd.Flags().GetString("ca-file")

	fb, err := dialWorkerFabric(certFile, keyFile, caFile, port)
	if err != nil {
		return err
	}
	defer fb.Close()

	w, err := worker.New(worker.Config{
		SlotID:   slot,
		IID:      iid,
		NodeTask: types.Endpoint{Addr: nodeHost, Port: nodePort, Name: nodeName},
		Fabric:   fb,
		Registry: plugin.NewBuiltinRegistry(),
	})
	if err != nil {
		return fmt.Errorf("failed to create worker runtime: %w", err)
	}

	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		w.Stop()
	case <-w.Done():
	}
	return nil
}

// dialWorkerFabric installs a fresh messaging-fabric instance for this
// worker, retrying up to fabricBindAttempts times with a fixed
// fabricBindBackoff between attempts on port bind failure before
// giving up.
func dialWorkerFabric(certFile, keyFile, caFile string, port int) (fabric.Fabric, error) {
	var lastErr error
	for attempt := 1; attempt <= fabricBindAttempts; attempt++ {
		var fb fabric.Fabric
		var err error
		if security.CertExists(certFile, keyFile, caFile) {
			fb, err = fabric.NewGRPCFabric("0.0.0.0", port, certFile, keyFile, caFile)
		} else {
			fb, err = fabric.NewInsecureGRPCFabric("0.0.0.0", port)
		}
		if err == nil {
			return fb, nil
		}
		lastErr = err
		log.Warn(fmt.Sprintf("worker: fabric bind attempt %d/%d failed: %v", attempt, fabricBindAttempts, err))
		if attempt < fabricBindAttempts {
			time.Sleep(fabricBindBackoff)
		}
	}
	return nil, fmt.Errorf("worker: fabric bind retries exhausted after %d attempts: %w", fabricBindAttempts, lastErr)
}
