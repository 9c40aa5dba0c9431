// Package spawner supervises the OS subprocess backing each server
// slot: starting it, tracking its pid, and escalating through SIGINT,
// SIGTERM, and SIGKILL if it refuses to exit after being asked to.
package spawner

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/dispycosnode/pkg/log"
	"github.com/cuemby/dispycosnode/pkg/metrics"
)

const (
	defaultGraceStep      = 3 * time.Second
	defaultBringUpTimeout = 12 * time.Second
)

// CommandFactory builds the exec.Cmd that serves a given slot. The
// node supplies this so the spawner never hardcodes how a worker
// subprocess is invoked.
type CommandFactory func(slotID uint32) (*exec.Cmd, error)

// ExitNotifier is invoked from the monitor goroutine after a worker
// subprocess exits, so the caller can decide on a restart.
type ExitNotifier func(slotID uint32, err error)

// Config configures a Spawner.
type Config struct {
	Command    CommandFactory
	OnExit     ExitNotifier
	GraceStep  time.Duration // wait between escalation steps, default 3s
	BringUp    time.Duration // wait budget for StartAll, default 12s
}

type procState struct {
	slotID uint32
	cmd    *exec.Cmd
	exited chan struct{}
}

// Spawner launches and supervises one OS process per server slot.
type Spawner struct {
	cfg Config

	mu    sync.Mutex
	procs map[uint32]*procState
}

// New returns a Spawner with the given configuration.
func New(cfg Config) *Spawner {
	if cfg.GraceStep <= 0 {
		cfg.GraceStep = defaultGraceStep
	}
	if cfg.BringUp <= 0 {
		cfg.BringUp = defaultBringUpTimeout
	}
	return &Spawner{cfg: cfg, procs: make(map[uint32]*procState)}
}

// StartAll launches a worker subprocess for each slot id in slotIDs
// concurrently and waits up to cfg.BringUp for all of them to start.
// It returns the slot ids that started successfully; a slot missing
// from the result failed to launch and is logged, not retried here.
func (s *Spawner) StartAll(slotIDs []uint32) []uint32 {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SpawnerBringUpDuration)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BringUp)
	defer cancel()

	type outcome struct {
		slotID uint32
		err    error
	}
	results := make(chan outcome, len(slotIDs))

	for _, id := range slotIDs {
		go func(id uint32) {
			results <- outcome{slotID: id, err: s.startSlot(id)}
		}(id)
	}

	started := make([]uint32, 0, len(slotIDs))
	for i := 0; i < len(slotIDs); i++ {
		select {
		case r := <-results:
			if r.err != nil {
				log.Warn(fmt.Sprintf("spawner: slot %d failed to start: %v", r.slotID, r.err))
				continue
			}
			metrics.WorkersStartedTotal.Inc()
			started = append(started, r.slotID)
		case <-ctx.Done():
			log.Warn("spawner: bring-up window elapsed before all slots reported")
			return started
		}
	}
	return started
}

func (s *Spawner) startSlot(slotID uint32) error {
	cmd, err := s.cfg.Command(slotID)
	if err != nil {
		return fmt.Errorf("spawner: building command for slot %d: %w", slotID, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawner: starting slot %d: %w", slotID, err)
	}

	p := &procState{slotID: slotID, cmd: cmd, exited: make(chan struct{})}

	s.mu.Lock()
	s.procs[slotID] = p
	s.mu.Unlock()

	go s.monitor(p)
	return nil
}

func (s *Spawner) monitor(p *procState) {
	err := p.cmd.Wait()

	s.mu.Lock()
	if cur, ok := s.procs[p.slotID]; ok && cur == p {
		delete(s.procs, p.slotID)
	}
	s.mu.Unlock()
	close(p.exited)

	if err != nil {
		log.Warn(fmt.Sprintf("spawner: slot %d worker exited: %v", p.slotID, err))
	} else {
		log.Info(fmt.Sprintf("spawner: slot %d worker exited cleanly", p.slotID))
	}

	if s.cfg.OnExit != nil {
		s.cfg.OnExit(p.slotID, err)
	}
}

// Respawn starts a fresh subprocess for slotID, replacing any entry
// already tracked for it. The caller is responsible for deciding that
// a respawn is warranted (restart policy, not exceeding serve count).
func (s *Spawner) Respawn(slotID uint32) error {
	if err := s.startSlot(slotID); err != nil {
		return err
	}
	metrics.WorkersRestartedTotal.Inc()
	return nil
}

// PID returns the OS pid of the process serving slotID, if tracked.
func (s *Spawner) PID(slotID uint32) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[slotID]
	if !ok || p.cmd.Process == nil {
		return 0, false
	}
	return p.cmd.Process.Pid, true
}

// Exited returns a channel closed once the subprocess for slotID has
// exited, or nil if no process is tracked for that slot.
func (s *Spawner) Exited(slotID uint32) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[slotID]
	if !ok {
		return nil
	}
	return p.exited
}

// Terminate escalates through SIGINT, SIGTERM, and SIGKILL, waiting
// cfg.GraceStep between each, until the subprocess serving slotID
// exits. Callers that want a graceful shutdown first should deliver a
// close message over the fabric before calling Terminate; this method
// only handles the OS-level escalation that follows.
func (s *Spawner) Terminate(slotID uint32) error {
	s.mu.Lock()
	p, ok := s.procs[slotID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	for _, sig := range []syscall.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL} {
		if p.cmd.Process == nil {
			return nil
		}
		if err := p.cmd.Process.Signal(sig); err != nil {
			log.Debug(fmt.Sprintf("spawner: signal %s to slot %d pid %d: %v", sig, slotID, p.cmd.Process.Pid, err))
		}

		select {
		case <-p.exited:
			if sig == syscall.SIGKILL {
				metrics.ZombieSlotsTerminatedTotal.Inc()
			}
			return nil
		case <-time.After(s.cfg.GraceStep):
		}
	}
	return fmt.Errorf("spawner: slot %d did not exit after SIGKILL", slotID)
}

// TerminateAll terminates every currently tracked subprocess and
// waits for all of them to exit.
func (s *Spawner) TerminateAll() {
	s.mu.Lock()
	ids := make([]uint32, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			if err := s.Terminate(id); err != nil {
				log.Warn(err.Error())
			}
		}(id)
	}
	wg.Wait()
}
