package node

import (
	"fmt"

	"github.com/cuemby/dispycosnode/pkg/log"
	"github.com/cuemby/dispycosnode/pkg/metrics"
	"github.com/cuemby/dispycosnode/pkg/types"
)

// handleWorkerExit runs on the controller goroutine after a spawner
// reports a worker subprocess has exited. The per-slot restart flag
// wins for a single respawn; restartServers governs steady state once
// that one-shot flag has been consumed.
func (n *Node) handleWorkerExit(slotID uint32, err error) {
	slot, ok := n.slots[slotID]
	if !ok {
		return
	}

	wantRestart := slot.Restart || n.restartServers
	n.unregisterWorker(slot)

	if !wantRestart || n.spawner == nil {
		return
	}

	slot.Restart = false
	slot.IID++
	slot.State = types.SlotStarting
	n.iidCache.Store(slotID, slot.IID)

	if rerr := n.spawner.Respawn(slotID); rerr != nil {
		log.Warn(fmt.Sprintf("node: failed to respawn slot %d: %v", slotID, rerr))
		slot.State = types.SlotIdle
		metrics.FreeCPUs.Set(float64(n.freeCPUs()))
	}
}

// Single slots are closed only through close_server messages handled
// by handleCloseServer on the fabric path; there is no exported
// per-slot close method. Snapshot below is the read-only in-process
// view of node state; the admin CLI runs as a separate process and
// queries the node with a node_status message instead.

// Snapshot is a point-in-time, read-only view of node state safe to
// read from outside the controller goroutine.
type Snapshot struct {
	FreeCPUs       int
	TotalCPUs      int
	ReservationAuth string
	Served          int
	RestartServers  bool
}

// Snapshot posts a request onto the controller goroutine and blocks
// for the result, giving in-process callers (tests) a race-free read
// of node state.
func (n *Node) Snapshot() Snapshot {
	result := make(chan Snapshot, 1)
	n.post(func(n *Node) {
		auth := ""
		if n.reservation != nil {
			auth = n.reservation.Auth
		}
		result <- Snapshot{
			FreeCPUs:        n.freeCPUs(),
			TotalCPUs:       len(n.slots),
			ReservationAuth: auth,
			Served:          n.servedCount,
			RestartServers:  n.restartServers,
		}
	})
	select {
	case s := <-result:
		return s
	case <-n.stopCh:
		return Snapshot{}
	}
}
