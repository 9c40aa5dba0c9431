package node

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/cuemby/dispycosnode/pkg/auth"
	"github.com/cuemby/dispycosnode/pkg/fabric"
	"github.com/cuemby/dispycosnode/pkg/log"
	"github.com/cuemby/dispycosnode/pkg/metrics"
	"github.com/cuemby/dispycosnode/pkg/spawner"
	"github.com/cuemby/dispycosnode/pkg/store"
	"github.com/cuemby/dispycosnode/pkg/types"
)

func decodeEndpoint(v interface{}) types.Endpoint {
	fields, _ := v.(map[string]interface{})
	if fields == nil {
		return types.Endpoint{}
	}
	addr, _ := fields["addr"].(string)
	port, _ := fields["port"].(float64)
	name, _ := fields["name"].(string)
	return types.Endpoint{Addr: addr, Port: int(port), Name: name}
}

func encodeEndpoint(ep types.Endpoint) map[string]interface{} {
	return map[string]interface{}{"addr": ep.Addr, "port": float64(ep.Port), "name": ep.Name}
}

func (n *Node) reply(to types.Endpoint, payload map[string]interface{}) {
	if err := n.cfg.Fabric.Send(fabric.Message{To: to, From: n.self, Payload: payload}); err != nil {
		log.Debug(fmt.Sprintf("node: reply to %s failed: %v", to.Location(), err))
	}
}

func (n *Node) handleNodeInfo(msg fabric.Message) {
	info := n.availInfo()
	n.reply(msg.From, map[string]interface{}{
		"kind":     "node_info_reply",
		"name":     n.cfg.NodeConfig.Name,
		"addr":     n.self.Addr,
		"cpus":     float64(n.cfg.NodeConfig.NumCPUs),
		"platform": "linux",
		"avail":    availInfoToMap(info),
	})
}

// handleReserve allocates the single live reservation if the node is
// idle, the service window is open, and enough slots are free.
func (n *Node) handleReserve(msg fabric.Message) {
	cpus, _ := msg.Payload["cpus"].(float64)
	requested := int(cpus)

	if n.reservation.Active() || !n.serviceWindowOpen() || requested <= 0 || requested > n.freeCPUs() {
		n.reply(msg.From, map[string]interface{}{"kind": "reserve_reply", "cpus": float64(0), "auth": nil})
		return
	}

	token, err := auth.New()
	if err != nil {
		log.Warn(fmt.Sprintf("node: failed to mint reservation auth: %v", err))
		n.reply(msg.From, map[string]interface{}{"kind": "reserve_reply", "cpus": float64(0), "auth": nil})
		return
	}

	interval, _ := msg.Payload["pulse_interval"].(float64)
	abandonZombie, _ := msg.Payload["abandon_zombie"].(bool)
	clientLocation := decodeEndpoint(msg.Payload["client_location"])

	ids := n.captureFreeSlots(requested)

	n.reservation = &types.Reservation{
		Auth:           token,
		Scheduler:      msg.From,
		ClientLocation: clientLocation,
		CPUsReserved:   ids,
		Interval:       n.cfg.NodeConfig.EffectivePulseInterval(time.Duration(interval) * time.Second),
		AbandonZombie:  abandonZombie,
	}
	n.discovery = false
	metrics.ReservationsActive.Set(1)
	metrics.FreeCPUs.Set(float64(n.freeCPUs()))

	n.reply(msg.From, map[string]interface{}{"kind": "reserve_reply", "cpus": float64(len(ids)), "auth": token})
}

func (n *Node) captureFreeSlots(count int) []uint32 {
	ids := make([]uint32, 0, count)
	for id, s := range n.slots {
		if len(ids) >= count {
			break
		}
		if s.Task == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// handleClient activates the reservation: it records the client
// payload and setup args on the in-memory reservation (nothing is
// written to disk), launches the spawner for the reserved slots, and
// arms the bring-up window (30s by default) during which
// handleServerTask registrations are counted.
func (n *Node) handleClient(msg fabric.Message) {
	if n.reservation == nil {
		return
	}
	got, _ := msg.Payload["auth"].(string)
	if !auth.Check(n.reservation.Auth, got) {
		return
	}

	if payload, ok := msg.Payload["client_payload"].(string); ok {
		n.reservation.ClientPayload = []byte(payload)
	}
	if setupArgs, ok := msg.Payload["setup_args"].(string); ok {
		n.reservation.SetupArgs = []byte(setupArgs)
	}

	for _, id := range n.reservation.CPUsReserved {
		n.slots[id].State = types.SlotStarting
		n.slots[id].IID++
		n.iidCache.Store(id, n.slots[id].IID)
	}

	n.spawner = n.newSpawnerForReservation()
	slotIDs := n.reservation.CPUsReserved

	n.clientWait = &clientWait{
		timer:   time.After(n.bringUpWindow()),
		replyTo: msg.From,
		want:    len(slotIDs),
	}

	sp := n.spawner
	go func() {
		started := sp.StartAll(slotIDs)
		if len(started) < len(slotIDs) {
			log.Warn(fmt.Sprintf("node: only %d/%d worker processes started for this reservation", len(started), len(slotIDs)))
		}
	}()
}

func (n *Node) newSpawnerForReservation() *spawner.Spawner {
	cmdFactory := func(slotID uint32) (*exec.Cmd, error) {
		if n.cfg.Command == nil {
			return nil, fmt.Errorf("node: no worker command factory configured")
		}
		iid, _ := n.iidCache.Load(slotID)
		v, _ := iid.(uint64)
		return n.cfg.Command(slotID, v)
	}
	onExit := func(slotID uint32, err error) {
		n.post(func(n *Node) { n.handleWorkerExit(slotID, err) })
	}
	return spawner.New(spawner.Config{Command: cmdFactory, OnExit: onExit, BringUp: n.bringUpWindow()})
}

// finalizeClientBringUp replies to the pending client request with the
// effective cpu count once the bring-up window elapses.
func (n *Node) finalizeClientBringUp() {
	if n.clientWait == nil {
		return
	}
	registered := 0
	for _, id := range n.reservation.CPUsReserved {
		if n.slots[id].State == types.SlotBusy {
			registered++
		}
	}
	n.reply(n.clientWait.replyTo, map[string]interface{}{"kind": "client_reply", "cpus": float64(registered)})
	n.clientWait = nil
}

// handleServerTask registers or unregisters a worker for a slot, per
// the `{auth, server_id, iid, task, pid}` handshake. auth is allowed
// to be empty only while the client bring-up window is still open,
// matching the bootstrap allowance workers need before they have seen
// the reservation's auth token themselves.
func (n *Node) handleServerTask(msg fabric.Message) {
	if n.reservation == nil {
		return
	}
	got, _ := msg.Payload["auth"].(string)
	bootstrapping := n.clientWait != nil
	if !(bootstrapping && got == "") && !auth.Check(n.reservation.Auth, got) {
		return
	}

	slotID := uint32(floatField(msg.Payload, "server_id"))
	iid := uint64(floatField(msg.Payload, "iid"))
	slot, ok := n.slots[slotID]
	if !ok {
		return
	}
	if slot.IID != 0 && iid != 0 && iid != slot.IID {
		log.Debug(fmt.Sprintf("node: dropping server_task for slot %d: iid %d != current %d", slotID, iid, slot.IID))
		return
	}

	task, hasTask := msg.Payload["task"]
	if !hasTask || task == nil {
		n.unregisterWorker(slot)
		return
	}

	ep := decodeEndpoint(task)
	slot.Task = &ep
	slot.State = types.SlotBusy
	slot.BusyTime = time.Now().Unix()
	if pid, ok := msg.Payload["pid"].(float64); ok {
		slot.PID = int(pid)
	}
	metrics.FreeCPUs.Set(float64(n.freeCPUs()))

	if n.cfg.Cleanup != nil && slot.PID > 0 {
		if err := n.cfg.Cleanup.MarkAlive(slotID, store.PIDFile{PID: slot.PID, SpawnerPID: n.spawnerPID()}); err != nil {
			log.Warn(fmt.Sprintf("node: failed to record pid-file for slot %d: %v", slotID, err))
		}
	}

	if n.readyForClientReply() {
		n.finalizeClientBringUp()
	}
}

// handleBusy refreshes a registered worker's busy_time cell from its
// periodic liveness report, gated the same way handleServerTask is:
// auth is allowed empty only during the client bring-up window, and a
// stale iid from a since-respawned slot is dropped.
func (n *Node) handleBusy(msg fabric.Message) {
	if n.reservation == nil {
		return
	}
	got, _ := msg.Payload["auth"].(string)
	bootstrapping := n.clientWait != nil
	if !(bootstrapping && got == "") && !auth.Check(n.reservation.Auth, got) {
		return
	}

	slotID := uint32(floatField(msg.Payload, "slot_id"))
	iid := uint64(floatField(msg.Payload, "iid"))
	slot, ok := n.slots[slotID]
	if !ok || slot.Task == nil {
		return
	}
	if slot.IID != 0 && iid != 0 && iid != slot.IID {
		return
	}
	slot.BusyTime = time.Now().Unix()
}

func (n *Node) readyForClientReply() bool {
	if n.clientWait == nil {
		return false
	}
	registered := 0
	for _, id := range n.reservation.CPUsReserved {
		if n.slots[id].State == types.SlotBusy {
			registered++
		}
	}
	return registered >= n.clientWait.want
}

func (n *Node) unregisterWorker(slot *types.ServerSlot) {
	slot.Task = nil
	slot.State = types.SlotIdle
	slot.PID = 0
	metrics.FreeCPUs.Set(float64(n.freeCPUs()))
	if n.cfg.Cleanup != nil {
		n.cfg.Cleanup.ReleaseSlot(slot.ID)
	}
}

func floatField(payload map[string]interface{}, key string) float64 {
	v, _ := payload[key].(float64)
	return v
}

// handleRelease tears the active reservation down, optionally
// relaunching the same client immediately.
func (n *Node) handleRelease(msg fabric.Message) {
	if n.reservation == nil {
		return
	}
	got, _ := msg.Payload["auth"].(string)
	if !auth.Check(n.reservation.Auth, got) {
		return
	}
	restart, _ := msg.Payload["restart"].(bool)
	n.closeReservation(restart, msg.From)
}

// closeReservation tears the active reservation's workers down. When
// restart is set and the service window still admits reservations, it
// relaunches the same reservation (same auth, same CPUsReserved)
// instead of clearing it, per §4.1's `release{restart}` contract; the
// stored client_payload/setup_args stay on the reservation but are not
// sent to the relaunched workers. relaunchTo is who finalizeClientBringUp
// replies to once the relaunched workers register; it is ignored when
// restart is false.
func (n *Node) closeReservation(restart bool, relaunchTo types.Endpoint) {
	if !n.reservation.Active() {
		return
	}
	if n.spawner != nil {
		n.spawner.TerminateAll()
		n.spawner = nil
	}
	for _, id := range n.reservation.CPUsReserved {
		n.unregisterWorker(n.slots[id])
	}

	n.servedCount++
	n.persistState()
	metrics.ReservationsServedTotal.Inc()

	if n.cfg.NodeConfig.ServeCount > 0 && n.servedCount >= n.cfg.NodeConfig.ServeCount {
		metrics.ReservationsActive.Set(0)
		n.reservation = nil
		n.clientWait = nil
		n.discovery = true
		n.beginShutdown()
		return
	}

	if restart && n.serviceWindowOpen() {
		n.relaunchReservation(relaunchTo)
		return
	}

	metrics.ReservationsActive.Set(0)
	n.reservation = nil
	n.clientWait = nil
	n.discovery = true
}

// relaunchReservation re-spawns workers for the same CPUsReserved set
// under the reservation's existing auth token, bumping each slot's iid
// the same way handleClient does on first bring-up.
func (n *Node) relaunchReservation(relaunchTo types.Endpoint) {
	for _, id := range n.reservation.CPUsReserved {
		n.slots[id].State = types.SlotStarting
		n.slots[id].IID++
		n.iidCache.Store(id, n.slots[id].IID)
	}

	n.spawner = n.newSpawnerForReservation()
	slotIDs := n.reservation.CPUsReserved

	n.clientWait = &clientWait{
		timer:   time.After(n.bringUpWindow()),
		replyTo: relaunchTo,
		want:    len(slotIDs),
	}
	metrics.ReservationsActive.Set(1)

	sp := n.spawner
	go func() {
		started := sp.StartAll(slotIDs)
		if len(started) < len(slotIDs) {
			log.Warn(fmt.Sprintf("node: only %d/%d worker processes restarted for this reservation", len(started), len(slotIDs)))
		}
	}()
}

// handleCloseServer closes a single worker slot, optionally respawning it.
func (n *Node) handleCloseServer(msg fabric.Message) {
	if n.reservation == nil {
		return
	}
	got, _ := msg.Payload["auth"].(string)
	if !auth.Check(n.reservation.Auth, got) {
		return
	}

	sid := uint32(floatField(msg.Payload, "server_id"))
	if sid == 0 {
		restart, _ := msg.Payload["restart"].(bool)
		n.restartServers = restart
		n.persistState()
		n.reply(msg.From, map[string]interface{}{"kind": "restart_ack"})
		return
	}

	slot, ok := n.slots[sid]
	if !ok {
		return
	}
	terminate, _ := msg.Payload["terminate"].(bool)
	restart, _ := msg.Payload["restart"].(bool)
	slot.Restart = restart
	slot.State = types.SlotClosing

	if n.spawner != nil {
		task := slot.Task
		go func() {
			if terminate || task == nil {
				_ = n.spawner.Terminate(sid)
			} else {
				_ = n.cfg.Fabric.Send(fabric.Message{To: *task, From: n.self, Payload: map[string]interface{}{"kind": "close"}})
			}
		}()
	}
}

func (n *Node) handleAbandonZombie(msg fabric.Message) {
	if n.reservation == nil {
		return
	}
	got, _ := msg.Payload["auth"].(string)
	if !auth.Check(n.reservation.Auth, got) {
		return
	}
	flag, _ := msg.Payload["flag"].(bool)
	n.reservation.AbandonZombie = flag
}

func (n *Node) handleStatus(msg fabric.Message) {
	if n.reservation == nil {
		return
	}
	got, _ := msg.Payload["auth"].(string)
	if !auth.Check(n.reservation.Auth, got) {
		return
	}
	servers := make([]map[string]interface{}, 0, len(n.reservation.CPUsReserved))
	for _, id := range n.reservation.CPUsReserved {
		slot := n.slots[id]
		if slot.Task != nil {
			servers = append(servers, encodeEndpoint(*slot.Task))
		}
	}
	n.reply(msg.From, map[string]interface{}{
		"kind":    "status_reply",
		"auth":    n.reservation.Auth,
		"servers": servers,
	})
}

func (n *Node) handleAdmin(kind string, msg fabric.Message) {
	got, _ := msg.Payload["auth"].(string)
	if !auth.Check(n.nodeAuth, got) {
		return
	}
	switch kind {
	case "close":
		n.closeReservation(false, types.Endpoint{})
	case "quit":
		n.closeReservation(false, types.Endpoint{})
		n.beginShutdown()
	case "terminate":
		if n.spawner != nil {
			n.spawner.TerminateAll()
		}
		n.beginShutdown()
	}
}

// handleNodeStatus answers the local admin CLI's `status` command,
// gated on the node's own admin auth rather than a reservation's — it
// reports availability regardless of whether a client is attached.
func (n *Node) handleNodeStatus(msg fabric.Message) {
	got, _ := msg.Payload["auth"].(string)
	if !auth.Check(n.nodeAuth, got) {
		return
	}
	reservationAuth := ""
	if n.reservation != nil {
		reservationAuth = n.reservation.Auth
	}
	n.reply(msg.From, map[string]interface{}{
		"kind":             "node_status_reply",
		"name":             n.cfg.NodeConfig.Name,
		"free_cpus":        float64(n.freeCPUs()),
		"total_cpus":       float64(len(n.slots)),
		"served":           float64(n.servedCount),
		"restart_servers":  n.restartServers,
		"reservation_auth": reservationAuth,
	})
}

func (n *Node) beginShutdown() {
	n.post(func(n *Node) {
		select {
		case <-n.stopCh:
		default:
			close(n.stopCh)
		}
	})
}
