package node

import (
	"os/exec"
	"testing"
	"time"

	"github.com/cuemby/dispycosnode/pkg/fabric"
	"github.com/cuemby/dispycosnode/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, numCPUs int) (*Node, *fabric.GRPCFabric) {
	t.Helper()
	f, err := fabric.NewInsecureGRPCFabric("127.0.0.1", 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	cfg := types.NodeConfig{
		NumCPUs:          numCPUs,
		NodePorts:        make([]int, numCPUs+1),
		ServeCount:       -1,
		MinPulseInterval: time.Second,
		MaxPulseInterval: time.Minute,
	}

	n, err := New(Config{
		NodeConfig:    cfg,
		Fabric:        f,
		ClientBringUp: 300 * time.Millisecond,
		Command: func(slotID uint32, iid uint64) (*exec.Cmd, error) {
			return exec.Command("sleep", "5"), nil
		},
	})
	require.NoError(t, err)
	n.Start()
	t.Cleanup(n.Stop)
	return n, f
}

func recvWithin(t *testing.T, ch <-chan fabric.Message, d time.Duration) fabric.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(d):
		t.Fatal("timed out waiting for message")
		return fabric.Message{}
	}
}

func TestReserveGrantsWhenIdle(t *testing.T) {
	n, f := newTestNode(t, 4)
	schedEP, schedInbox, err := f.Register("scheduler")
	require.NoError(t, err)

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: schedEP,
		Payload: map[string]interface{}{"kind": "reserve", "cpus": float64(2)},
	}))

	reply := recvWithin(t, schedInbox, time.Second)
	require.Equal(t, "reserve_reply", reply.Payload["kind"])
	require.Equal(t, float64(2), reply.Payload["cpus"])
	require.NotEmpty(t, reply.Payload["auth"])
}

func TestReserveRejectedWhenTooManyCPUs(t *testing.T) {
	n, f := newTestNode(t, 2)
	schedEP, schedInbox, err := f.Register("scheduler")
	require.NoError(t, err)

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: schedEP,
		Payload: map[string]interface{}{"kind": "reserve", "cpus": float64(5)},
	}))

	reply := recvWithin(t, schedInbox, time.Second)
	require.Equal(t, float64(0), reply.Payload["cpus"])
	require.Nil(t, reply.Payload["auth"])
}

func TestReserveRejectedWhenAlreadyReserved(t *testing.T) {
	n, f := newTestNode(t, 4)
	schedEP, schedInbox, err := f.Register("scheduler")
	require.NoError(t, err)

	send := func(cpus int) fabric.Message {
		require.NoError(t, f.Send(fabric.Message{
			To: n.Endpoint(), From: schedEP,
			Payload: map[string]interface{}{"kind": "reserve", "cpus": float64(cpus)},
		}))
		return recvWithin(t, schedInbox, time.Second)
	}

	first := send(2)
	require.NotEmpty(t, first.Payload["auth"])

	second := send(1)
	require.Equal(t, float64(0), second.Payload["cpus"])
}

func TestClientLaunchesWorkersAndRegistersThem(t *testing.T) {
	n, f := newTestNode(t, 2)
	schedEP, schedInbox, err := f.Register("scheduler")
	require.NoError(t, err)

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: schedEP,
		Payload: map[string]interface{}{"kind": "reserve", "cpus": float64(2)},
	}))
	reserveReply := recvWithin(t, schedInbox, time.Second)
	tok := reserveReply.Payload["auth"].(string)

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: schedEP,
		Payload: map[string]interface{}{"kind": "client", "auth": tok},
	}))

	workerEP, _, err := f.Register("worker-sim")
	require.NoError(t, err)

	for id := uint32(1); id <= 2; id++ {
		require.NoError(t, f.Send(fabric.Message{
			To: n.Endpoint(), From: workerEP,
			Payload: map[string]interface{}{
				"kind": "server_task", "auth": tok, "server_id": float64(id), "iid": float64(1),
				"task": map[string]interface{}{"addr": "127.0.0.1", "port": float64(9000 + int(id)), "name": "worker"},
				"pid":  float64(100 + int(id)),
			},
		}))
	}

	reply := recvWithin(t, schedInbox, time.Second)
	require.Equal(t, "client_reply", reply.Payload["kind"])
	require.Equal(t, float64(2), reply.Payload["cpus"])
}

func TestClientReplyFallsBackToTimeoutWindow(t *testing.T) {
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

	// No worker registers; the bring-up window (300ms in this test
	// config) should still produce a client_reply with cpus=0.
	reply := recvWithin(t, schedInbox, time.Second)
	require.Equal(t, "client_reply", reply.Payload["kind"])
	require.Equal(t, float64(0), reply.Payload["cpus"])
}

func TestStatusListsRegisteredServers(t *testing.T) {
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

	workerEP, _, err := f.Register("worker-sim")
	require.NoError(t, err)
	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: workerEP,
		Payload: map[string]interface{}{
			"kind": "server_task", "auth": tok, "server_id": float64(1), "iid": float64(1),
			"task": map[string]interface{}{"addr": "127.0.0.1", "port": float64(9001), "name": "worker"},
		},
	}))
	_ = recvWithin(t, schedInbox, time.Second) // client_reply

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: schedEP,
		Payload: map[string]interface{}{"kind": "status", "auth": tok},
	}))
	reply := recvWithin(t, schedInbox, time.Second)
	require.Equal(t, "status_reply", reply.Payload["kind"])
	servers, _ := reply.Payload["servers"].([]map[string]interface{})
	require.Len(t, servers, 1)
}

func TestReleaseReturnsNodeToIdle(t *testing.T) {
	n, f := newTestNode(t, 2)
	schedEP, schedInbox, err := f.Register("scheduler")
	require.NoError(t, err)

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: schedEP,
		Payload: map[string]interface{}{"kind": "reserve", "cpus": float64(2)},
	}))
	tok := recvWithin(t, schedInbox, time.Second).Payload["auth"].(string)

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: schedEP,
		Payload: map[string]interface{}{"kind": "release", "auth": tok},
	}))

	require.Eventually(t, func() bool {
		return n.Snapshot().FreeCPUs == 2
	}, 2*time.Second, 20*time.Millisecond)

	require.Equal(t, 1, n.Snapshot().Served)
}

func TestReleaseWithRestartRelaunchesReservation(t *testing.T) {
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
	_ = recvWithin(t, schedInbox, time.Second) // first client_reply, bring-up window elapses unregistered

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: schedEP,
		Payload: map[string]interface{}{"kind": "release", "auth": tok, "restart": true},
	}))

	// A relaunch re-arms the bring-up window and replies with a second
	// client_reply instead of ever returning the node to idle.
	reply := recvWithin(t, schedInbox, 2*time.Second)
	require.Equal(t, "client_reply", reply.Payload["kind"])

	snap := n.Snapshot()
	require.Equal(t, 1, snap.Served)
	require.Equal(t, tok, snap.ReservationAuth)

	iid := func() uint64 {
		result := make(chan uint64, 1)
		n.post(func(n *Node) { result <- n.slots[1].IID })
		return <-result
	}
	require.Equal(t, uint64(2), iid())
}

func TestAdminCloseRequiresNodeAuth(t *testing.T) {
	n, f := newTestNode(t, 2)
	schedEP, schedInbox, err := f.Register("scheduler")
	require.NoError(t, err)
	adminEP, _, err := f.Register("admin")
	require.NoError(t, err)

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: schedEP,
		Payload: map[string]interface{}{"kind": "reserve", "cpus": float64(1)},
	}))
	tok := recvWithin(t, schedInbox, time.Second).Payload["auth"].(string)

	require.NoError(t, f.Send(fabric.Message{
		To: n.Endpoint(), From: adminEP,
		Payload: map[string]interface{}{"kind": "close", "auth": "wrong"},
	}))
	time.Sleep(100 * time.Millisecond)

	// A close with the wrong admin token leaves the reservation in place.
	snap := n.Snapshot()
	require.Equal(t, 2, snap.FreeCPUs)
	require.Equal(t, tok, snap.ReservationAuth)
	require.Equal(t, 0, snap.Served)
}

func TestAbandonZombieUpdatesReservation(t *testing.T) {
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
		Payload: map[string]interface{}{"kind": "abandon_zombie", "auth": tok, "flag": true},
	}))

	queryAbandonZombie := func() bool {
		result := make(chan bool, 1)
		n.post(func(n *Node) { result <- n.reservation != nil && n.reservation.AbandonZombie })
		return <-result
	}
	require.Eventually(t, func() bool {
		auth := n.Snapshot().ReservationAuth
		return auth == tok && queryAbandonZombie()
	}, time.Second, 10*time.Millisecond)
}

func TestHandleWorkerExitRespawnsOnPerSlotRestartFlag(t *testing.T) {
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
	_ = recvWithin(t, schedInbox, time.Second) // client_reply, no registrations yet

	done := make(chan struct{})
	n.post(func(n *Node) {
		slot := n.slots[1]
		slot.Restart = true
		close(done)
	})
	<-done

	n.post(func(n *Node) { n.handleWorkerExit(1, nil) })

	querySlotIID := func() uint64 {
		result := make(chan uint64, 1)
		n.post(func(n *Node) { result <- n.slots[1].IID })
		return <-result
	}

	// handleClient already moved the slot to iid 1; the respawn bumps it to 2.
	require.Eventually(t, func() bool {
		return querySlotIID() == 2
	}, time.Second, 10*time.Millisecond)
}
