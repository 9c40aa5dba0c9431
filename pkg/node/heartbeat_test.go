package node

import (
	"testing"
	"time"

	"github.com/cuemby/dispycosnode/pkg/fabric"
	"github.com/cuemby/dispycosnode/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestTickSendsPulseToScheduler(t *testing.T) {
	n, f := newTestNode(t, 1)
	schedEP, schedInbox, err := f.Register("scheduler")
	require.NoError(t, err)

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: schedEP,
		Payload: map[string]interface{}{"kind": "reserve", "cpus": float64(1)},
	}))
	tok := recvWithin(t, schedInbox, time.Second).Payload["auth"].(string)

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: schedEP,
		Payload: map[string]interface{}{"kind": "client", "auth": tok},
	}))
	_ = recvWithin(t, schedInbox, time.Second) // client_reply

	n.Tick()

	pulse := recvWithin(t, schedInbox, time.Second)
	require.Equal(t, "pulse", pulse.Payload["kind"])
	require.NotNil(t, pulse.Payload["avail"])
}

func TestZombieSweepClosesStaleSlot(t *testing.T) {
	n, f := newTestNode(t, 1)
	schedEP, schedInbox, err := f.Register("scheduler")
	require.NoError(t, err)

	n.cfg.NodeConfig.ZombiePeriod = 5 * time.Second

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: schedEP,
		Payload: map[string]interface{}{"kind": "reserve", "cpus": float64(1)},
	}))
	tok := recvWithin(t, schedInbox, time.Second).Payload["auth"].(string)

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: schedEP,
		Payload: map[string]interface{}{"kind": "client", "auth": tok},
	}))

	workerEP, workerInbox, err := f.Register("worker-sim")
	require.NoError(t, err)
	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: workerEP,
		Payload: map[string]interface{}{
			"kind": "server_task", "auth": tok, "server_id": float64(1), "iid": float64(1),
			"task": map[string]interface{}{"addr": workerEP.Addr, "port": float64(workerEP.Port), "name": workerEP.Name},
		},
	}))
	_ = recvWithin(t, schedInbox, time.Second) // client_reply

	// Push the slot's busy_time far enough into the past to exceed
	// zombie_period without actually sleeping in the test.
	done := make(chan struct{})
	n.post(func(n *Node) {
		n.slots[1].BusyTime = time.Now().Add(-7 * time.Second).Unix()
		close(done)
	})
	<-done

	n.Tick()

	closeMsg := recvWithin(t, workerInbox, time.Second)
	require.Equal(t, "close", closeMsg.Payload["kind"])

	querySlotState := func() types.SlotState {
		result := make(chan types.SlotState, 1)
		n.post(func(n *Node) { result <- n.slots[1].State })
		return <-result
	}
	require.Eventually(t, func() bool {
		return querySlotState() == types.SlotClosing
	}, time.Second, 10*time.Millisecond)
}

func TestBusyMessageKeepsSlotOffZombieSweep(t *testing.T) {
	n, f := newTestNode(t, 1)
	schedEP, schedInbox, err := f.Register("scheduler")
	require.NoError(t, err)

	n.cfg.NodeConfig.ZombiePeriod = 5 * time.Second

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: schedEP,
		Payload: map[string]interface{}{"kind": "reserve", "cpus": float64(1)},
	}))
	tok := recvWithin(t, schedInbox, time.Second).Payload["auth"].(string)

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: schedEP,
		Payload: map[string]interface{}{"kind": "client", "auth": tok},
	}))

	workerEP, workerInbox, err := f.Register("worker-sim")
	require.NoError(t, err)
	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: workerEP,
		Payload: map[string]interface{}{
			"kind": "server_task", "auth": tok, "server_id": float64(1), "iid": float64(1),
			"task": map[string]interface{}{"addr": workerEP.Addr, "port": float64(workerEP.Port), "name": workerEP.Name},
		},
	}))
	_ = recvWithin(t, schedInbox, time.Second) // client_reply

	// Backdate busy_time past zombie_period, then send a real "busy"
	// message through the fabric the way the worker's busyTimeLoop
	// would: the sweep that follows must see it as fresh, not stale.
	done := make(chan struct{})
	n.post(func(n *Node) {
		n.slots[1].BusyTime = time.Now().Add(-7 * time.Second).Unix()
		close(done)
	})
	<-done

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: workerEP,
		Payload: map[string]interface{}{
			"kind": "busy", "slot_id": float64(1), "iid": float64(1), "auth": tok,
			"num_jobs": float64(1), "busy_time": float64(time.Now().Unix()),
		},
	}))

	querySlotState := func() types.SlotState {
		result := make(chan types.SlotState, 1)
		n.post(func(n *Node) { result <- n.slots[1].State })
		return <-result
	}
	require.Eventually(t, func() bool {
		return querySlotState() == types.SlotBusy
	}, time.Second, 10*time.Millisecond)

	n.Tick()

	select {
	case msg := <-workerInbox:
		t.Fatalf("slot was swept as zombie despite a fresh busy report: %v", msg.Payload)
	case <-time.After(300 * time.Millisecond):
	}

	require.Equal(t, types.SlotBusy, querySlotState())
}
