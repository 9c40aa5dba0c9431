package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/dispycosnode/pkg/fabric"
	"github.com/cuemby/dispycosnode/pkg/types"
	"github.com/spf13/cobra"
)

const adminDeliverTimeout = 5 * time.Second

func registerAdminFlags(cmd *cobra.Command) {
	cmd.Flags().String("dest", "./dispycosnode-data", "Data directory the running node was started with")
	cmd.Flags().String("cert-file", "", "TLS certificate file (must match the running node's)")
	cmd.Flags().String("key-file", "", "TLS key file (must match the running node's)")
	cmd.Flags().String("ca-file", "", "TLS CA file (must match the running node's)")
}

// dialAdmin reads the node's hand-off file and opens an ephemeral
// fabric endpoint to talk to it, returning the node's endpoint, the
// admin token to present, and the fabric to send through.
func dialAdmin(cmd *cobra.Command) (fabric.Fabric, types.Endpoint, string, error) {
	dest, _ := cmd.Flags().GetString("dest")
	h, err := readHandoff(dest)
	if err != nil {
		return nil, types.Endpoint{}, "", err
	}

	cfg := types.NodeConfig{}
	cfg.CertFile, _ = cmd.Flags().GetString("cert-file")
	cfg.KeyFile, _ = cmd.Flags().GetString("key-file")
	cfg.CAFile, _ = cmd.Flags().GetString("ca-file")

	fb, err := buildFabric("0.0.0.0", 0, cfg)
	if err != nil {
		return nil, types.Endpoint{}, "", fmt.Errorf("failed to open admin fabric client: %w", err)
	}

	nodeEp := types.Endpoint{Addr: h.Addr, Port: h.Port, Name: h.Name}
	return fb, nodeEp, h.Auth, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the node daemon is running and its current availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		fb, nodeEp, token, err := dialAdmin(cmd)
		if err != nil {
			return err
		}
		defer fb.Close()

		self, inbox, err := fb.Register("dispycosnode-cli")
		if err != nil {
			return fmt.Errorf("failed to register admin client endpoint: %w", err)
		}

		if err := fb.Send(fabric.Message{
			To:   nodeEp,
			From: self,
			Payload: map[string]interface{}{
				"kind": "node_status",
				"auth": token,
			},
		}); err != nil {
			return fmt.Errorf("failed to query node: %w", err)
		}

		select {
		case msg := <-inbox:
			printNodeStatus(msg.Payload)
			return nil
		case <-time.After(adminDeliverTimeout):
			return fmt.Errorf("timed out waiting for node status reply")
		}
	},
}

func printNodeStatus(p map[string]interface{}) {
	name, _ := p["name"].(string)
	free, _ := p["free_cpus"].(float64)
	total, _ := p["total_cpus"].(float64)
	served, _ := p["served"].(float64)
	restart, _ := p["restart_servers"].(bool)
	resAuth, _ := p["reservation_auth"].(string)

	fmt.Printf("Node:            %s\n", name)
	fmt.Printf("Free CPUs:       %d/%d\n", int(free), int(total))
	fmt.Printf("Served:          %d\n", int(served))
	fmt.Printf("Restart policy:  %v\n", restart)
	if resAuth != "" {
		fmt.Println("Reservation:     active")
	} else {
		fmt.Println("Reservation:     idle")
	}
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Release the active reservation without shutting the node down",
	RunE:  adminSend("close", "Reservation released."),
}

var quitCmd = &cobra.Command{
	Use:   "quit",
	Short: "Release the active reservation and shut the node down gracefully",
	RunE:  adminSend("quit", "Node is shutting down."),
}

var terminateCmd = &cobra.Command{
	Use:   "terminate",
	Short: "Force-terminate every worker and shut the node down immediately",
	RunE:  adminSend("terminate", "Node and all workers terminated."),
}

func adminSend(kind, confirmation string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		fb, nodeEp, token, err := dialAdmin(cmd)
		if err != nil {
			return err
		}
		defer fb.Close()

		self, _, err := fb.Register("dispycosnode-cli")
		if err != nil {
			return fmt.Errorf("failed to register admin client endpoint: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), adminDeliverTimeout)
		defer cancel()

		err = fb.Deliver(ctx, fabric.Message{
			To:   nodeEp,
			From: self,
			Payload: map[string]interface{}{
				"kind": kind,
				"auth": token,
			},
		}, adminDeliverTimeout)
		if err != nil {
			return fmt.Errorf("failed to deliver %s to node: %w", kind, err)
		}

		fmt.Println(confirmation)
		return nil
	}
}

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, closeCmd, quitCmd, terminateCmd} {
		registerAdminFlags(cmd)
	}
}
