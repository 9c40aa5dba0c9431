// Package node implements the node controller: the long-lived daemon
// that owns reservation state, authenticates scheduler messages,
// starts and stops the spawner, and reports node availability. It
// runs its entire state machine on one goroutine, serialized through
// channels rather than a mutex, the same shape pkg/worker uses at the
// single-process scale.
package node

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cuemby/dispycosnode/pkg/auth"
	"github.com/cuemby/dispycosnode/pkg/cleanup"
	"github.com/cuemby/dispycosnode/pkg/fabric"
	"github.com/cuemby/dispycosnode/pkg/log"
	"github.com/cuemby/dispycosnode/pkg/metrics"
	"github.com/cuemby/dispycosnode/pkg/spawner"
	"github.com/cuemby/dispycosnode/pkg/store"
	"github.com/cuemby/dispycosnode/pkg/types"
)

const clientBringUpWindow = 30 * time.Second

// ServiceWindow governs the node's daily admission/close/evict
// schedule. A nil Window on Config means the node always accepts
// reservations and never forces a close or eviction.
type ServiceWindow interface {
	// Open reports whether the node is currently accepting reservations.
	Open() bool
	// ShouldClose reports, edge-triggered at most once per day, whether
	// the window's stop time has just been crossed.
	ShouldClose(now time.Time) bool
	// ShouldEvict reports, edge-triggered at most once per day, whether
	// the window's end time has just been crossed.
	ShouldEvict(now time.Time) bool
}

// WorkerCommand builds the exec.Cmd that runs a worker subprocess
// bound to slotID with instance id iid. The node never interprets the
// command itself; cmd/dispycosnode supplies one that re-execs the
// same binary in worker mode.
type WorkerCommand func(slotID uint32, iid uint64) (*exec.Cmd, error)

// Config configures a Node.
type Config struct {
	NodeConfig types.NodeConfig
	Fabric     fabric.Fabric
	Store      *store.Store
	Cleanup    *cleanup.Engine
	Window     ServiceWindow
	Command    WorkerCommand

	// ClientBringUp overrides how long a `client` request waits for
	// worker registrations before replying with whatever count showed
	// up. Defaults to 30s; tests shorten this.
	ClientBringUp time.Duration
}

// Node is the node controller.
type Node struct {
	cfg  Config
	self types.Endpoint

	inbox    <-chan fabric.Message
	internal chan func(*Node)

	nodeAuth string

	slots       map[uint32]*types.ServerSlot
	reservation *types.Reservation
	spawner     *spawner.Spawner

	servedCount    int
	restartServers bool
	discovery      bool

	clientWait *clientWait
	iidCache   sync.Map // slot id -> current iid, read concurrently by spawner command factories
	pulse      pulseState

	stopCh chan struct{}
	doneCh chan struct{}
}

type clientWait struct {
	timer   <-chan time.Time
	replyTo types.Endpoint
	want    int
}

// bringUpWindow returns how long a `client` request waits for worker
// registrations before replying with whatever count showed up.
func (n *Node) bringUpWindow() time.Duration {
	if n.cfg.ClientBringUp > 0 {
		return n.cfg.ClientBringUp
	}
	return clientBringUpWindow
}

// New constructs a Node, registering its control endpoint on the
// fabric and restoring served-count/restart policy from the store.
func New(cfg Config) (*Node, error) {
	name := cfg.NodeConfig.Name
	if name == "" {
		name = "dispycos_node"
	}
	self, inbox, err := cfg.Fabric.Register(name)
	if err != nil {
		return nil, fmt.Errorf("node: failed to register control endpoint: %w", err)
	}

	nodeAuth, err := auth.New()
	if err != nil {
		return nil, fmt.Errorf("node: failed to mint admin auth: %w", err)
	}

	slots := make(map[uint32]*types.ServerSlot, cfg.NodeConfig.NumCPUs)
	for i := 1; i <= cfg.NodeConfig.NumCPUs; i++ {
		id := uint32(i)
		port := 0
		if i < len(cfg.NodeConfig.NodePorts) {
			port = cfg.NodeConfig.NodePorts[i]
		}
		slots[id] = &types.ServerSlot{ID: id, Port: port, State: types.SlotIdle}
	}

	n := &Node{
		cfg:       cfg,
		self:      self,
		inbox:     inbox,
		internal:  make(chan func(*Node), 32),
		nodeAuth:  nodeAuth,
		slots:     slots,
		discovery: true,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	if cfg.Store != nil {
		if state, err := cfg.Store.GetNodeState(); err == nil {
			n.servedCount = state.Served
			n.restartServers = state.RestartServers
		}
	}

	metrics.FreeCPUs.Set(float64(n.freeCPUs()))
	return n, nil
}

// Endpoint returns the node's control endpoint.
func (n *Node) Endpoint() types.Endpoint {
	return n.self
}

// AdminAuth returns the token local admin commands (close/quit/
// terminate/status) must present.
func (n *Node) AdminAuth() string {
	return n.nodeAuth
}

// Start begins serving the node controller's message loop.
func (n *Node) Start() {
	go n.run()
}

// Stop halts the node's loop, tearing down any active spawner.
func (n *Node) Stop() {
	select {
	case <-n.stopCh:
		return
	default:
		close(n.stopCh)
	}
	<-n.doneCh
	if n.spawner != nil {
		n.spawner.TerminateAll()
	}
	n.cfg.Fabric.Deregister(n.self.Name)
}

// post schedules fn to run on the node's single controller goroutine,
// the same way an inbound fabric message or a timer firing does. Async
// work (spawner bring-up, exit callbacks) must use this instead of
// touching Node fields directly.
func (n *Node) post(fn func(*Node)) {
	select {
	case n.internal <- fn:
	case <-n.stopCh:
	}
}

func (n *Node) run() {
	defer close(n.doneCh)
	for {
		var deadline <-chan time.Time
		if n.clientWait != nil {
			deadline = n.clientWait.timer
		}

		select {
		case msg, ok := <-n.inbox:
			if !ok {
				return
			}
			n.dispatch(msg)
		case fn := <-n.internal:
			fn(n)
		case <-deadline:
			n.finalizeClientBringUp()
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) dispatch(msg fabric.Message) {
	kind, _ := msg.Payload["kind"].(string)

	switch kind {
	case "dispycos_node_info":
		n.handleNodeInfo(msg)
	case "reserve":
		n.handleReserve(msg)
	case "client":
		n.handleClient(msg)
	case "release":
		n.handleRelease(msg)
	case "close_server":
		n.handleCloseServer(msg)
	case "abandon_zombie":
		n.handleAbandonZombie(msg)
	case "server_task":
		n.handleServerTask(msg)
	case "busy":
		n.handleBusy(msg)
	case "status":
		n.handleStatus(msg)
	case "close", "quit", "terminate":
		n.handleAdmin(kind, msg)
	case "node_status":
		n.handleNodeStatus(msg)
	default:
		log.Debug(fmt.Sprintf("node: dropping message of unknown kind %q from %s", kind, msg.From.Location()))
	}
}

// freeCPUs counts slots with id>0 and no bound worker. Must only be
// called from the controller goroutine.
func (n *Node) freeCPUs() int {
	free := 0
	for _, s := range n.slots {
		if s.Task == nil {
			free++
		}
	}
	return free
}

// spawnerPID identifies the process supervising worker subprocesses in
// the node's own pid-file records. The spawner has no OS process of
// its own (see DESIGN.md's spawner-process-tier resolution); it runs
// inside the node, so its "pid" is the node's pid.
func (n *Node) spawnerPID() int {
	return os.Getpid()
}

func (n *Node) serviceWindowOpen() bool {
	if n.cfg.Window == nil {
		return true
	}
	return n.cfg.Window.Open()
}

func (n *Node) persistState() {
	if n.cfg.Store == nil {
		return
	}
	err := n.cfg.Store.PutNodeState(store.NodeState{Served: n.servedCount, RestartServers: n.restartServers})
	if err != nil {
		log.Warn(fmt.Sprintf("node: failed to persist node state: %v", err))
	}
}
