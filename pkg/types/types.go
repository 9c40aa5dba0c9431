// Package types holds the data model shared across the node daemon:
// node configuration, per-CPU server slots, the single live reservation,
// and the worker-runtime state mirrored in the worker subprocess.
package types

import (
	"strconv"
	"time"
)

// NodeConfig is the node's immutable configuration, fixed for the life
// of the process.
type NodeConfig struct {
	NumCPUs   int
	NodePorts []int // length NumCPUs+1; index 0 is the node's own control port
	UDPPort   int
	Name      string
	DestPath  string // scratch root; per-slot dirs live under <DestPath>/dispycos_server_<id>

	CertFile string
	KeyFile  string
	CAFile   string

	MsgTimeout       time.Duration
	MinPulseInterval time.Duration
	MaxPulseInterval time.Duration
	ZombiePeriod     time.Duration
	PingInterval     time.Duration

	ServeCount int // -1 unlimited, >=0 bounded

	ServiceStart time.Time // HH:MM of day, wall-clock
	ServiceStop  time.Time
	ServiceEnd   time.Time

	IPv4UDPMulticast bool
	Peers            []string // host:port bootstrap list

	Clean bool // attempt to kill a prior instance at boot
}

// EffectivePulseInterval returns the heartbeat period actually used:
// interval clamped to [MinPulseInterval, MaxPulseInterval], then
// lowered to zombiePeriod/3 when zombie detection is enabled and that
// is shorter (the result can then fall below MinPulseInterval).
func (c *NodeConfig) EffectivePulseInterval(interval time.Duration) time.Duration {
	if interval < c.MinPulseInterval {
		interval = c.MinPulseInterval
	}
	if interval > c.MaxPulseInterval {
		interval = c.MaxPulseInterval
	}
	if c.ZombiePeriod > 0 {
		if third := c.ZombiePeriod / 3; third < interval {
			interval = third
		}
	}
	return interval
}

// HasServiceWindow reports whether a service window was configured.
func (c *NodeConfig) HasServiceWindow() bool {
	return !c.ServiceStart.IsZero()
}

// SlotState is the lifecycle of a single server slot's worker.
type SlotState string

const (
	SlotIdle     SlotState = "idle"     // no worker, free for reservation
	SlotStarting SlotState = "starting" // worker launched, awaiting registration
	SlotBusy     SlotState = "busy"     // worker registered and assigned to a reservation
	SlotClosing  SlotState = "closing"  // close_server in progress
)

// Endpoint identifies a peer on the messaging fabric by address.
// Endpoints are compared by location and never held as an owning
// pointer, so a node and its workers can reference each other freely
// without forming a reference cycle.
type Endpoint struct {
	Addr string
	Port int
	Name string
}

// Location returns the (addr, port) identity used for equality.
func (e Endpoint) Location() string {
	return e.Addr + ":" + strconv.Itoa(e.Port)
}

// IsZero reports whether the endpoint has never been set.
func (e Endpoint) IsZero() bool {
	return e.Addr == "" && e.Port == 0
}

// ServerSlot is one CPU's worth of reservable capacity. Slot 0
// represents the node's own control endpoint and is never reserved;
// slots 1..NumCPUs are the worker slots.
type ServerSlot struct {
	ID   uint32 // stable across restarts
	IID  uint64 // instance id, strictly increasing per (re)spawn
	Port int
	Name string

	State SlotState
	Task  *Endpoint // worker endpoint, nil if idle

	BusyTime int64 // unix seconds of last worker progress, single-writer/single-reader

	PIDFile string // present iff the worker is believed alive
	Restart bool   // per-slot respawn-once flag

	PID int // worker OS pid, held by the spawner
}

// Reservation is the node-wide state of the single live client
// binding; at most one is ever live at a time.
type Reservation struct {
	Auth           string // 160-bit hex, empty when idle
	Scheduler      Endpoint
	ClientLocation Endpoint
	CPUsReserved   []uint32 // slot ids captured at reserve time
	Interval       time.Duration
	AbandonZombie  bool
	Served         int // completed reservations so far this process lifetime
	ClientPayload  []byte
	SetupArgs      []byte
}

// Active reports whether a reservation is currently live.
func (r *Reservation) Active() bool {
	return r != nil && r.Auth != ""
}

// WorkerState is the per-process state held inside a worker runtime,
// threaded explicitly through every task context instead of living in
// module-level globals.
type WorkerState struct {
	Auth          string
	SlotID        uint32
	IID           uint64
	NodeTask      Endpoint
	SchedulerTask Endpoint
	Peers         map[string]Endpoint
	JobTasks      map[string]struct{}
	Restart       bool
}

// NodeInfo is the reply to a dispycos_node_info request.
type NodeInfo struct {
	Name     string
	Addr     string
	CPUs     int
	Platform string
	Avail    AvailInfo
}

// AvailInfo is host availability telemetry attached to pulses.
type AvailInfo struct {
	CPUPercent   float64
	MemoryFreeMB float64
	DiskFreeMB   float64
	SwapPercent  float64
}

// Job describes one unit of work dispatched to a worker, carried by
// the `run{job{...}}` request. Name resolves a plugin.Handle in the
// worker's plugin registry; Args/Kwargs are opaque JSON blobs decoded
// by the handle itself.
type Job struct {
	Name   string
	Args   []byte
	Kwargs []byte
}

// JobResult is what the completion monitor forwards upstream after a
// task finishes.
type JobResult struct {
	JobID    string
	Value    []byte // JSON-encoded result, or the type name on a marshal failure
	Err      string
	ExitedAt time.Time
}
