// Package worker implements the runtime hosted inside a spawned
// subprocess: one worker binds a single server slot, registers
// itself on the fabric, and executes the jobs a scheduler or client
// dispatches to it until closed, quit, or terminated.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/dispycosnode/pkg/fabric"
	"github.com/cuemby/dispycosnode/pkg/log"
	"github.com/cuemby/dispycosnode/pkg/plugin"
	"github.com/cuemby/dispycosnode/pkg/types"
)

const defaultBusyInterval = 5 * time.Second

// SetupFunc runs once, the first time a scheduler or client peer is
// discovered, before the worker accepts run requests from it. A
// non-nil error keeps the worker from ever initializing for that
// peer; the worker sends a setup_failed message to the node, which the
// node controller drops as an unknown kind.
type SetupFunc func(ctx context.Context, peer types.Endpoint) error

// Config configures a single worker runtime.
type Config struct {
	SlotID   uint32
	IID      uint64
	NodeTask types.Endpoint
	Auth     string

	Fabric   fabric.Fabric
	Registry *plugin.Registry
	Setup    SetupFunc

	BusyInterval time.Duration
}

// Worker is the runtime loop of one spawned subprocess.
type Worker struct {
	cfg  Config
	self types.Endpoint

	inbox <-chan fabric.Message

	mu        sync.RWMutex
	peers     map[string]types.Endpoint
	jobs      map[string]context.CancelFunc
	closing   bool
	setupDone map[string]bool

	busyTime atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a worker bound to cfg.SlotID and registers it on the
// fabric under a stable, slot-derived name.
func New(cfg Config) (*Worker, error) {
	if cfg.BusyInterval <= 0 {
		cfg.BusyInterval = defaultBusyInterval
	}
	if cfg.Registry == nil {
		cfg.Registry = plugin.NewRegistry()
	}

	name := fmt.Sprintf("worker-%d", cfg.SlotID)
	self, inbox, err := cfg.Fabric.Register(name)
	if err != nil {
		return nil, fmt.Errorf("worker: failed to register on fabric: %w", err)
	}

	return &Worker{
		cfg:       cfg,
		self:      self,
		inbox:     inbox,
		peers:     make(map[string]types.Endpoint),
		jobs:      make(map[string]context.CancelFunc),
		setupDone: make(map[string]bool),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Endpoint returns the worker's own registered endpoint.
func (w *Worker) Endpoint() types.Endpoint {
	return w.self
}

// Done returns a channel closed once the worker's run loop has exited,
// whether from a close/quit/terminate message or an explicit Stop. The
// process hosting a worker blocks on this to know when to exit.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

// Start announces the worker to its node and begins serving.
func (w *Worker) Start() error {
	if err := w.announce(); err != nil {
		return err
	}
	go w.busyTimeLoop()
	go w.run()
	return nil
}

// Stop halts the worker's loops, cancels any running jobs, and
// deregisters it from the fabric. It blocks until the run loop exits.
func (w *Worker) Stop() {
	select {
	case <-w.stopCh:
		return
	default:
		close(w.stopCh)
	}
	w.cancelAllJobs()
	<-w.doneCh
	w.cfg.Fabric.Deregister(w.self.Name)
}

// announce registers this worker with its node via the server_task
// handshake: server_id/iid identify the slot and instance, task is
// this worker's own endpoint so the node can route messages back, and
// pid lets the node record a pid-file entry for orphan cleanup.
func (w *Worker) announce() error {
	return w.cfg.Fabric.Send(fabric.Message{
		To:   w.cfg.NodeTask,
		From: w.self,
		Payload: map[string]interface{}{
			"kind":      "server_task",
			"server_id": float64(w.cfg.SlotID),
			"iid":       float64(w.cfg.IID),
			"auth":      w.cfg.Auth,
			"task":      map[string]interface{}{"addr": w.self.Addr, "port": float64(w.self.Port), "name": w.self.Name},
			"pid":       float64(os.Getpid()),
		},
	})
}

func (w *Worker) run() {
	defer close(w.doneCh)
	for {
		select {
		case msg, ok := <-w.inbox:
			if !ok {
				return
			}
			w.handle(msg)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) handle(msg fabric.Message) {
	kind, _ := msg.Payload["kind"].(string)

	switch kind {
	case "run":
		w.handleRun(msg)
	case "status":
		w.replyStatus(msg.From)
	case "num_jobs":
		w.replyNumJobs(msg.From)
	case "peers":
		w.handlePeers(msg)
	case "close":
		w.handleClose()
	case "quit", "terminate":
		go w.Stop()
	default:
		log.Debug(fmt.Sprintf("worker: ignoring message of unknown kind %q from %s", kind, msg.From.Location()))
	}
}

// handleClose stops accepting new run requests and lets in-flight
// jobs finish before the worker tears itself down; the spawner's
// termination escalation is the backstop if jobs never finish.
func (w *Worker) handleClose() {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return
	}
	w.closing = true
	w.mu.Unlock()

	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.mu.RLock()
				n := len(w.jobs)
				w.mu.RUnlock()
				if n == 0 {
					w.Stop()
					return
				}
			case <-w.stopCh:
				return
			}
		}
	}()
}

func (w *Worker) cancelAllJobs() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cancel := range w.jobs {
		cancel()
	}
}

func (w *Worker) handlePeers(msg fabric.Message) {
	raw, _ := msg.Payload["peers"].(map[string]interface{})

	w.mu.Lock()
	for name, v := range raw {
		fields, _ := v.(map[string]interface{})
		if fields == nil {
			continue
		}
		addr, _ := fields["addr"].(string)
		port, _ := fields["port"].(float64)
		ep := types.Endpoint{Addr: addr, Port: int(port), Name: name}
		w.peers[name] = ep
	}
	newPeers := make([]types.Endpoint, 0, len(raw))
	for name, ep := range w.peers {
		if !w.setupDone[name] {
			newPeers = append(newPeers, ep)
		}
	}
	w.mu.Unlock()

	for _, peer := range newPeers {
		w.runSetup(peer)
	}
}

// runSetup invokes the configured setup hook for a newly discovered
// peer, then reports back to the node whether the worker is ready.
func (w *Worker) runSetup(peer types.Endpoint) {
	var err error
	if w.cfg.Setup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = w.cfg.Setup(ctx, peer)
	}

	w.mu.Lock()
	w.setupDone[peer.Name] = true
	w.mu.Unlock()

	status := "server_initialized"
	errMsg := ""
	if err != nil {
		status = "setup_failed"
		errMsg = err.Error()
	}

	_ = w.cfg.Fabric.Send(fabric.Message{
		To:   w.cfg.NodeTask,
		From: w.self,
		Payload: map[string]interface{}{
			"kind":    status,
			"slot_id": float64(w.cfg.SlotID),
			"peer":    peer.Name,
			"error":   errMsg,
		},
	})
}

func (w *Worker) replyStatus(to types.Endpoint) {
	w.mu.RLock()
	numJobs := len(w.jobs)
	closing := w.closing
	w.mu.RUnlock()

	_ = w.cfg.Fabric.Send(fabric.Message{
		To:   to,
		From: w.self,
		Payload: map[string]interface{}{
			"kind":      "status_reply",
			"slot_id":   float64(w.cfg.SlotID),
			"num_jobs":  float64(numJobs),
			"busy_time": float64(w.busyTime.Load()),
			"closing":   closing,
		},
	})
}

func (w *Worker) replyNumJobs(to types.Endpoint) {
	w.mu.RLock()
	numJobs := len(w.jobs)
	w.mu.RUnlock()

	_ = w.cfg.Fabric.Send(fabric.Message{
		To:   to,
		From: w.self,
		Payload: map[string]interface{}{
			"kind":     "num_jobs_reply",
			"num_jobs": float64(numJobs),
		},
	})
}

func (w *Worker) busyTimeLoop() {
	ticker := time.NewTicker(w.cfg.BusyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.RLock()
			numJobs := len(w.jobs)
			w.mu.RUnlock()
			if numJobs > 0 {
				w.busyTime.Store(time.Now().Unix())
				w.reportBusy(numJobs)
			}
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) reportBusy(numJobs int) {
	_ = w.cfg.Fabric.Send(fabric.Message{
		To:   w.cfg.NodeTask,
		From: w.self,
		Payload: map[string]interface{}{
			"kind":      "busy",
			"slot_id":   float64(w.cfg.SlotID),
			"iid":       float64(w.cfg.IID),
			"auth":      w.cfg.Auth,
			"num_jobs":  float64(numJobs),
			"busy_time": float64(w.busyTime.Load()),
		},
	})
}
