package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/dispycosnode/pkg/fabric"
	"github.com/cuemby/dispycosnode/pkg/plugin"
	"github.com/cuemby/dispycosnode/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestFabric(t *testing.T) *fabric.GRPCFabric {
	t.Helper()
	f, err := fabric.NewInsecureGRPCFabric("127.0.0.1", 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
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

func TestStartAnnouncesToNode(t *testing.T) {
	f := newTestFabric(t)
	nodeEP, nodeInbox, err := f.Register("node")
	require.NoError(t, err)
	_ = nodeEP

	registry := plugin.NewRegistry()
	w, err := New(Config{SlotID: 1, NodeTask: nodeEP, Auth: "tok", Fabric: f, Registry: registry})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	msg := recvWithin(t, nodeInbox, time.Second)
	require.Equal(t, "server_task", msg.Payload["kind"])
	require.Equal(t, float64(1), msg.Payload["server_id"])
	require.NotNil(t, msg.Payload["task"])
}

func TestHandleRunExecutesRegisteredHandle(t *testing.T) {
	f := newTestFabric(t)
	nodeEP, nodeInbox, err := f.Register("node")
	require.NoError(t, err)
	clientEP, clientInbox, err := f.Register("client")
	require.NoError(t, err)

	registry := plugin.NewRegistry()
	registry.Register(plugin.NewFuncHandle("echo", func(ctx context.Context, args, kwargs json.RawMessage) (interface{}, error) {
		return string(args), nil
	}))

	w, err := New(Config{SlotID: 2, NodeTask: nodeEP, Fabric: f, Registry: registry})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	recvWithin(t, nodeInbox, time.Second) // registered announce

	err = f.Send(fabric.Message{
		To:   w.Endpoint(),
		From: clientEP,
		Payload: map[string]interface{}{
			"kind": "run",
			"job": map[string]interface{}{
				"name": "echo",
				"args": `"hello"`,
			},
		},
	})
	require.NoError(t, err)

	result := recvWithin(t, clientInbox, 2*time.Second)
	require.Equal(t, "job_result", result.Payload["kind"])
	// The handle returns the raw JSON text of its args as a Go string;
	// the worker JSON-encodes that string once more for the result.
	require.Equal(t, `"\"hello\""`, result.Payload["value"])
	require.Equal(t, "", result.Payload["error"])
}

func TestHandleRunRejectsUnknownHandle(t *testing.T) {
	f := newTestFabric(t)
	nodeEP, _, err := f.Register("node")
	require.NoError(t, err)
	clientEP, clientInbox, err := f.Register("client")
	require.NoError(t, err)

	w, err := New(Config{SlotID: 3, NodeTask: nodeEP, Fabric: f, Registry: plugin.NewRegistry()})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	err = f.Send(fabric.Message{
		To:   w.Endpoint(),
		From: clientEP,
		Payload: map[string]interface{}{
			"kind": "run",
			"job":  map[string]interface{}{"name": "nope"},
		},
	})
	require.NoError(t, err)

	result := recvWithin(t, clientInbox, 2*time.Second)
	require.Equal(t, "job_result", result.Payload["kind"])
	require.NotEqual(t, "", result.Payload["error"])
}

func TestStatusReportsNumJobs(t *testing.T) {
	f := newTestFabric(t)
	nodeEP, _, err := f.Register("node")
	require.NoError(t, err)
	clientEP, clientInbox, err := f.Register("client")
	require.NoError(t, err)

	w, err := New(Config{SlotID: 4, NodeTask: nodeEP, Fabric: f, Registry: plugin.NewRegistry()})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	require.NoError(t, f.Send(fabric.Message{To: w.Endpoint(), From: clientEP, Payload: map[string]interface{}{"kind": "status"}}))

	reply := recvWithin(t, clientInbox, time.Second)
	require.Equal(t, "status_reply", reply.Payload["kind"])
	require.Equal(t, float64(0), reply.Payload["num_jobs"])
}

func TestQuitStopsTheWorker(t *testing.T) {
	f := newTestFabric(t)
	nodeEP, _, err := f.Register("node")
	require.NoError(t, err)

	w, err := New(Config{SlotID: 5, NodeTask: nodeEP, Fabric: f, Registry: plugin.NewRegistry()})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, f.Send(fabric.Message{To: w.Endpoint(), From: nodeEP, Payload: map[string]interface{}{"kind": "quit"}}))

	select {
	case <-w.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after quit")
	}
}

func TestPeersRunsSetupHookOnce(t *testing.T) {
	f := newTestFabric(t)
	nodeEP, nodeInbox, err := f.Register("node")
	require.NoError(t, err)

	setupCalls := 0
	w, err := New(Config{
		SlotID:   6,
		NodeTask: nodeEP,
		Fabric:   f,
		Registry: plugin.NewRegistry(),
		Setup: func(ctx context.Context, peer types.Endpoint) error {
			setupCalls++
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	recvWithin(t, nodeInbox, time.Second) // registered announce

	err = f.Send(fabric.Message{
		To:   w.Endpoint(),
		From: nodeEP,
		Payload: map[string]interface{}{
			"kind": "peers",
			"peers": map[string]interface{}{
				"scheduler": map[string]interface{}{"addr": "127.0.0.1", "port": float64(9999)},
			},
		},
	})
	require.NoError(t, err)

	msg := recvWithin(t, nodeInbox, 2*time.Second)
	require.Equal(t, "server_initialized", msg.Payload["kind"])
	require.Equal(t, 1, setupCalls)
}
