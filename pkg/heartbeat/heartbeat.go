// Package heartbeat drives the node controller's periodic cycle: pulse
// delivery, zombie sweeping, and discovery rebroadcast all happen when
// the node's Tick is called on the fixed interval the Heartbeat was
// built with, the same ticker-plus-select shape a reconciliation loop uses to drive its own
// periodic work.
package heartbeat

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/dispycosnode/pkg/log"
)

// Controller is the single hook the node controller exposes: run one
// heartbeat cycle. Node.Tick satisfies this by posting a closure onto
// its controller goroutine, so pulse/zombie/ping logic never races
// ordinary message handling.
type Controller interface {
	Tick()
}

// Heartbeat ticks a Controller at a fixed cadence until stopped.
type Heartbeat struct {
	ctrl     Controller
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Heartbeat that calls ctrl.Tick every interval.
func New(ctrl Controller, interval time.Duration) *Heartbeat {
	return &Heartbeat{
		ctrl:     ctrl,
		interval: interval,
		logger:   log.WithComponent("heartbeat"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the ticker loop in its own goroutine.
func (h *Heartbeat) Start() {
	go h.run()
}

// Stop halts the ticker loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
	<-h.doneCh
}

func (h *Heartbeat) run() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Debug().Dur("interval", h.interval).Msg("heartbeat started")

	for {
		select {
		case <-ticker.C:
			h.ctrl.Tick()
		case <-h.stopCh:
			h.logger.Debug().Msg("heartbeat stopped")
			return
		}
	}
}
