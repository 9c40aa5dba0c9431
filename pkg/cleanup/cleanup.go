// Package cleanup reclaims per-worker scratch directories, removes
// stale pid-file records, and clears a prior node instance out of the
// way at boot via the same signal escalation the spawner uses against
// its own children — but driven by bare pids read back from the
// store, since a prior process's pid is all that survives a restart.
package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/dispycosnode/pkg/log"
	"github.com/cuemby/dispycosnode/pkg/store"
)

const (
	defaultGraceStep = 3 * time.Second
	nodeSlotKey      = "node"
)

// Engine is the cleanup engine for one node instance's data directory.
type Engine struct {
	store     *store.Store
	destPath  string
	graceStep time.Duration
}

// New builds a cleanup Engine rooted at destPath, persisting pid-file
// and scratch-dir bookkeeping through st.
func New(st *store.Store, destPath string) *Engine {
	return &Engine{store: st, destPath: destPath, graceStep: defaultGraceStep}
}

func slotKey(id uint32) string {
	return fmt.Sprintf("slot-%d", id)
}

// ScratchDir returns the per-worker scratch directory for slot id.
func (e *Engine) ScratchDir(id uint32) string {
	return filepath.Join(e.destPath, fmt.Sprintf("dispycos_server_%d", id))
}

// MarkAlive records the liveness triple for a slot once its worker
// has completed the registration handshake.
func (e *Engine) MarkAlive(id uint32, pf store.PIDFile) error {
	return e.store.PutPIDFile(slotKey(id), pf)
}

// MarkNodeAlive records the node's own liveness triple at boot, so a
// later instance's BootClean can find and clear this one.
func (e *Engine) MarkNodeAlive(pf store.PIDFile) error {
	return e.store.PutPIDFile(nodeSlotKey, pf)
}

// ReleaseNode clears the node's own pid-file record, normally called
// on a clean quit/terminate.
func (e *Engine) ReleaseNode() error {
	return e.store.RemovePIDFile(nodeSlotKey)
}

// ReleaseSlot reclaims everything tied to a slot's worker: its scratch
// directory and its pid-file record. Failures are logged and
// tolerated, per the cleanup engine's own error-handling contract —
// a stuck rm or a missing bucket entry must never block the node from
// returning to idle.
func (e *Engine) ReleaseSlot(id uint32) {
	if err := e.store.RemovePIDFile(slotKey(id)); err != nil {
		log.Warn(fmt.Sprintf("cleanup: failed to remove pid-file record for slot %d: %v", id, err))
	}
	dir := e.ScratchDir(id)
	if err := os.RemoveAll(dir); err != nil {
		log.Warn(fmt.Sprintf("cleanup: failed to remove scratch dir %s: %v", dir, err))
	}
}

// BootClean runs at startup when the operator has requested `clean`:
// it finds every pid-file record left behind by a prior instance
// (the node's own plus any still-registered slots), kills whatever is
// still alive via escalation, and clears the records. It refuses to
// proceed — returning an error the caller should treat as fatal — if
// the node's own prior pid cannot be cleared, since starting a second
// instance over a live one would corrupt both.
func (e *Engine) BootClean() error {
	records, err := e.store.ListPIDFiles()
	if err != nil {
		return fmt.Errorf("cleanup: failed to list prior pid-file records: %w", err)
	}

	nodePF, hadNode := records[nodeSlotKey]
	delete(records, nodeSlotKey)

	for key, pf := range records {
		if processAlive(pf.PID) {
			log.Info(fmt.Sprintf("cleanup: killing orphaned worker pid %d (%s) from a prior instance", pf.PID, key))
			if err := e.killEscalating(pf.PID); err != nil {
				log.Warn(fmt.Sprintf("cleanup: failed to kill orphan %s: %v", key, err))
			}
		}
		if err := e.store.RemovePIDFile(key); err != nil {
			log.Warn(fmt.Sprintf("cleanup: failed to remove stale pid-file record %s: %v", key, err))
		}
	}

	if !hadNode {
		return nil
	}
	if processAlive(nodePF.PID) {
		log.Info(fmt.Sprintf("cleanup: killing prior node instance pid %d", nodePF.PID))
		if err := e.killEscalating(nodePF.PID); err != nil {
			return fmt.Errorf("cleanup: prior node instance (pid %d) would not die: %w", nodePF.PID, err)
		}
		if nodePF.SpawnerPID > 0 && nodePF.SpawnerPID != nodePF.PID && processAlive(nodePF.SpawnerPID) {
			if err := e.killEscalating(nodePF.SpawnerPID); err != nil {
				log.Warn(fmt.Sprintf("cleanup: prior spawner (pid %d) would not die: %v", nodePF.SpawnerPID, err))
			}
		}
	}

	return e.store.RemovePIDFile(nodeSlotKey)
}

// killEscalating sends SIGINT, SIGTERM, then SIGKILL to pid, waiting
// graceStep after each for it to exit, the same three-step escalation
// the spawner uses against processes it launched directly — here
// applied to a bare pid recovered from a prior instance's records.
func (e *Engine) killEscalating(pid int) error {
	for _, sig := range []syscall.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL} {
		if !processAlive(pid) {
			return nil
		}
		_ = syscall.Kill(pid, sig)

		deadline := time.Now().Add(e.graceStep)
		for time.Now().Before(deadline) {
			if !processAlive(pid) {
				return nil
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
	if processAlive(pid) {
		return fmt.Errorf("pid %d still alive after SIGKILL", pid)
	}
	return nil
}

// processAlive reports whether pid refers to a live process, via the
// signal-0 probe: no permission to deliver a real signal still proves
// the process exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
