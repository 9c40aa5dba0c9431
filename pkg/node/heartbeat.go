package node

import (
	"fmt"
	"time"

	"github.com/cuemby/dispycosnode/pkg/fabric"
	"github.com/cuemby/dispycosnode/pkg/log"
	"github.com/cuemby/dispycosnode/pkg/metrics"
	"github.com/cuemby/dispycosnode/pkg/types"
)

const maxPulseFailures = 5

// pulseState is bookkeeping for the heartbeat cycle, touched only from
// the controller goroutine like every other piece of Node state.
type pulseState struct {
	lastPulse     time.Time
	lastPing      time.Time
	pulseFailures int
}

// Tick runs one heartbeat cycle. It is driven by pkg/heartbeat's
// ticker and always executes on the controller goroutine via post, so
// pulse delivery, zombie sweeping, and ordinary message handling never
// race each other.
func (n *Node) Tick() {
	n.post(func(n *Node) { n.heartbeatCycle() })
}

func (n *Node) heartbeatCycle() {
	now := time.Now()

	if n.cfg.Window != nil {
		if n.cfg.Window.ShouldEvict(now) {
			n.forceEvictAll()
		} else if n.cfg.Window.ShouldClose(now) {
			n.gracefulCloseAllSlots()
		}
	}

	if n.reservation.Active() {
		interval := n.reservation.Interval
		if interval <= 0 {
			interval = n.cfg.NodeConfig.MinPulseInterval
		}
		if now.Sub(n.pulse.lastPulse) >= interval {
			n.sendPulse(now)
		}
		n.sweepZombies(now)
	}

	if n.cfg.NodeConfig.PingInterval > 0 && n.serviceWindowOpen() {
		if now.Sub(n.pulse.lastPing) >= n.cfg.NodeConfig.PingInterval {
			n.pulse.lastPing = now
			n.rebroadcastDiscovery()
		}
	}
}

// sendPulse delivers one telemetry pulse to the scheduler. Five
// consecutive failures drive a local release and evict the scheduler
// peer, since a scheduler that cannot be reached cannot be waited on
// indefinitely.
func (n *Node) sendPulse(now time.Time) {
	n.pulse.lastPulse = now
	timer := metrics.NewTimer()
	info := n.availInfo()
	err := n.cfg.Fabric.Send(fabric.Message{
		To:   n.reservation.Scheduler,
		From: n.self,
		Payload: map[string]interface{}{
			"kind":  "pulse",
			"avail": availInfoToMap(info),
		},
	})
	timer.ObserveDuration(metrics.PulseLatency)

	if err != nil {
		metrics.PulsesFailedTotal.Inc()
		n.pulse.pulseFailures++
		log.Debug(fmt.Sprintf("node: pulse delivery failed (%d/%d): %v", n.pulse.pulseFailures, maxPulseFailures, err))
		if n.pulse.pulseFailures >= maxPulseFailures {
			log.Warn("node: scheduler unreachable after repeated pulse failures, releasing reservation")
			n.pulse.pulseFailures = 0
			n.closeReservation(false, types.Endpoint{})
		}
		return
	}
	metrics.PulsesSentTotal.Inc()
	n.pulse.pulseFailures = 0
}

// sweepZombies closes or force-terminates slots whose busy_time has
// lagged past zombie_period: gracefully if the excess is still under
// 2*zombie_period, by force afterward. If abandon_zombie is set and
// every reserved slot has gone zombie, the whole reservation releases.
func (n *Node) sweepZombies(now time.Time) {
	period := n.cfg.NodeConfig.ZombiePeriod
	if period <= 0 || !n.reservation.Active() {
		return
	}

	zombies := 0
	for _, id := range n.reservation.CPUsReserved {
		slot := n.slots[id]
		if slot.Task == nil || (slot.State != types.SlotBusy && slot.State != types.SlotClosing) {
			continue
		}

		excess := now.Sub(time.Unix(slot.BusyTime, 0))
		if excess <= period {
			continue
		}
		zombies++
		if slot.State == types.SlotClosing {
			continue // already being torn down by a previous sweep
		}

		log.Debug(fmt.Sprintf("node: slot %d is zombie, busy_time lags by %s", id, excess))
		slot.State = types.SlotClosing
		task := slot.Task
		sid := id
		force := excess >= 2*period

		if force {
			metrics.ZombieSlotsTerminatedTotal.Inc()
		} else {
			metrics.ZombieSlotsClosedTotal.Inc()
		}

		sp := n.spawner
		go func() {
			if force {
				if sp != nil {
					_ = sp.Terminate(sid)
				}
				return
			}
			_ = n.cfg.Fabric.Send(fabric.Message{To: *task, From: n.self, Payload: map[string]interface{}{"kind": "close"}})
		}()
	}

	if n.reservation.AbandonZombie && zombies > 0 && zombies == len(n.reservation.CPUsReserved) {
		log.Info("node: every reserved slot is zombie and abandon_zombie is set, releasing reservation")
		n.closeReservation(false, types.Endpoint{})
	}
}

// gracefulCloseAllSlots sends a close to every worker bound to the
// active reservation at service_stop, letting in-flight tasks finish
// on their own time instead of tearing the reservation down outright.
func (n *Node) gracefulCloseAllSlots() {
	if !n.reservation.Active() {
		return
	}
	log.Info("node: service window stop reached, closing active workers gracefully")
	for _, id := range n.reservation.CPUsReserved {
		slot := n.slots[id]
		if slot.Task == nil || slot.State == types.SlotClosing {
			continue
		}
		slot.State = types.SlotClosing
		task := *slot.Task
		go func() {
			_ = n.cfg.Fabric.Send(fabric.Message{To: task, From: n.self, Payload: map[string]interface{}{"kind": "close"}})
		}()
	}
}

// forceEvictAll runs at service_end: every surviving worker is killed
// outright and the current client is released, regardless of whether
// gracefulCloseAllSlots already ran at service_stop.
func (n *Node) forceEvictAll() {
	if !n.reservation.Active() {
		return
	}
	log.Warn("node: service window end reached, force-evicting and releasing reservation")
	if n.spawner != nil {
		n.spawner.TerminateAll()
	}
	n.closeReservation(false, types.Endpoint{})
}

// rebroadcastDiscovery runs on each ping_interval while the service
// window is open. It only logs a debug line: no discovery announcement
// is sent to any peer.
func (n *Node) rebroadcastDiscovery() {
	log.Debug("node: rebroadcasting discovery ping")
}
