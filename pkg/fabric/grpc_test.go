package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestFabric(t *testing.T) *GRPCFabric {
	t.Helper()
	f, err := NewInsecureGRPCFabric("127.0.0.1", 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestRegisterAndLocateLocal(t *testing.T) {
	f := newTestFabric(t)

	ep, _, err := f.Register("node-control")
	require.NoError(t, err)
	require.Equal(t, "node-control", ep.Name)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := f.Locate(ctx, "node-control", time.Second)
	require.NoError(t, err)
	require.Equal(t, ep, got)
}

func TestLocateTimesOutOnUnknownName(t *testing.T) {
	f := newTestFabric(t)

	ctx := context.Background()
	_, err := f.Locate(ctx, "nobody", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestDeliverLocalRoundTrip(t *testing.T) {
	f := newTestFabric(t)

	ep, inbox, err := f.Register("worker-1")
	require.NoError(t, err)

	msg := Message{To: ep, From: ep, Payload: map[string]interface{}{"kind": "ping"}}
	require.NoError(t, f.Deliver(context.Background(), msg, time.Second))

	select {
	case got := <-inbox:
		require.Equal(t, "ping", got.Payload["kind"])
	case <-time.After(time.Second):
		t.Fatal("expected delivered message on inbox")
	}
}

func TestDeliverAcrossTwoFabrics(t *testing.T) {
	server := newTestFabric(t)
	client := newTestFabric(t)

	ep, inbox, err := server.Register("scheduler")
	require.NoError(t, err)

	clientEp, _, err := client.Register("client-self")
	require.NoError(t, err)

	msg := Message{
		To:      ep,
		From:    clientEp,
		Payload: map[string]interface{}{"kind": "pulse", "seq": 1.0},
	}
	require.NoError(t, client.Deliver(context.Background(), msg, 2*time.Second))

	select {
	case got := <-inbox:
		require.Equal(t, "pulse", got.Payload["kind"])
		require.Equal(t, 1.0, got.Payload["seq"])
		require.Equal(t, clientEp.Name, got.From.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("expected delivered message on server inbox")
	}
}

func TestDeregisterClosesInbox(t *testing.T) {
	f := newTestFabric(t)

	_, inbox, err := f.Register("tmp")
	require.NoError(t, err)
	f.Deregister("tmp")

	_, ok := <-inbox
	require.False(t, ok)
}
