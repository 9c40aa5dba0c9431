package fabric

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cuemby/dispycosnode/pkg/log"
	"github.com/cuemby/dispycosnode/pkg/metrics"
	"github.com/cuemby/dispycosnode/pkg/security"
	"github.com/cuemby/dispycosnode/pkg/types"
)

const (
	locatePollInterval = 25 * time.Millisecond
	endpointInboxSize  = 64
)

type endpointBox struct {
	ep    types.Endpoint
	inbox chan Message
}

// GRPCFabric is the gRPC-backed Fabric: named local endpoints are
// served over one grpc.Server per process, and outbound sends reuse a
// pooled ClientConn per peer address.
type GRPCFabric struct {
	creds credentials.TransportCredentials

	grpcServer *grpc.Server
	listener   net.Listener

	mu        sync.RWMutex
	endpoints map[string]*endpointBox
	conns     map[string]*grpc.ClientConn

	peerEvents chan PeerEvent

	closeOnce sync.Once
	closed    chan struct{}
}

func newGRPCFabric(addr string, port int, creds credentials.TransportCredentials) (*GRPCFabric, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("fabric: failed to listen: %w", err)
	}

	f := &GRPCFabric{
		creds:      creds,
		listener:   lis,
		endpoints:  make(map[string]*endpointBox),
		conns:      make(map[string]*grpc.ClientConn),
		peerEvents: make(chan PeerEvent, 64),
		closed:     make(chan struct{}),
	}

	f.grpcServer = grpc.NewServer(grpc.Creds(creds))
	registerFabricServer(f.grpcServer, f)

	go func() {
		if err := f.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			log.Errorf("fabric: server stopped serving: %v", err)
		}
	}()

	return f, nil
}

// NewGRPCFabric starts a fabric server bound to addr:port secured
// with TLS loaded from the given cert/key/CA files. Client certificates
// are requested but not required (see security.ServerTLSConfig).
func NewGRPCFabric(addr string, port int, certFile, keyFile, caFile string) (*GRPCFabric, error) {
	tlsConfig, err := security.ServerTLSConfig(certFile, keyFile, caFile)
	if err != nil {
		return nil, fmt.Errorf("fabric: failed to build TLS config: %w", err)
	}
	return newGRPCFabric(addr, port, credentials.NewTLS(tlsConfig))
}

// NewInsecureGRPCFabric starts a fabric server without transport
// security. It exists for tests and single-host development loops
// where no cert/key/CA material has been provisioned yet; production
// node configs always set cert/key/CA and should use NewGRPCFabric.
func NewInsecureGRPCFabric(addr string, port int) (*GRPCFabric, error) {
	return newGRPCFabric(addr, port, insecure.NewCredentials())
}

// Addr returns the address the fabric server is actually bound to,
// which matters when port 0 was requested.
func (f *GRPCFabric) Addr() net.Addr {
	return f.listener.Addr()
}

func (f *GRPCFabric) Register(name string) (types.Endpoint, <-chan Message, error) {
	select {
	case <-f.closed:
		return types.Endpoint{}, nil, ErrClosed
	default:
	}

	tcpAddr, _ := f.listener.Addr().(*net.TCPAddr)
	ep := types.Endpoint{Addr: tcpAddr.IP.String(), Port: tcpAddr.Port, Name: name}

	box := &endpointBox{ep: ep, inbox: make(chan Message, endpointInboxSize)}

	f.mu.Lock()
	f.endpoints[name] = box
	f.mu.Unlock()

	return ep, box.inbox, nil
}

func (f *GRPCFabric) Deregister(name string) {
	f.mu.Lock()
	box, ok := f.endpoints[name]
	if ok {
		delete(f.endpoints, name)
	}
	f.mu.Unlock()

	if ok {
		close(box.inbox)
	}
}

func (f *GRPCFabric) Locate(ctx context.Context, name string, timeout time.Duration) (types.Endpoint, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(locatePollInterval)
	defer ticker.Stop()

	for {
		f.mu.RLock()
		box, ok := f.endpoints[name]
		f.mu.RUnlock()
		if ok {
			return box.ep, nil
		}
		if time.Now().After(deadline) {
			return types.Endpoint{}, ErrUnknownEndpoint
		}
		select {
		case <-ctx.Done():
			return types.Endpoint{}, ctx.Err()
		case <-f.closed:
			return types.Endpoint{}, ErrClosed
		case <-ticker.C:
		}
	}
}

func (f *GRPCFabric) Send(msg Message) error {
	select {
	case <-f.closed:
		return ErrClosed
	default:
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := f.Deliver(ctx, msg, 10*time.Second); err != nil {
			log.Debug(fmt.Sprintf("fabric: fire-and-forget send to %s failed: %v", msg.To.Location(), err))
		}
	}()
	return nil
}

func (f *GRPCFabric) Deliver(ctx context.Context, msg Message, timeout time.Duration) error {
	select {
	case <-f.closed:
		return ErrClosed
	default:
	}

	// local delivery skips the network entirely
	f.mu.RLock()
	box, local := f.endpoints[msg.To.Name]
	f.mu.RUnlock()
	if local && box.ep.Location() == msg.To.Location() {
		select {
		case box.inbox <- msg:
			return nil
		case <-time.After(timeout):
			return ErrDeliveryTimeout
		}
	}

	conn, err := f.dial(msg.To)
	if err != nil {
		return fmt.Errorf("fabric: dial %s: %w", msg.To.Location(), err)
	}

	envelope, err := toEnvelope(msg)
	if err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timer := metrics.NewTimer()
	_, err = deliverClient(dctx, conn, envelope)
	timer.ObserveDuration(metrics.PulseLatency)
	if err != nil {
		metrics.PulsesFailedTotal.Inc()
		if dctx.Err() == context.DeadlineExceeded {
			return ErrDeliveryTimeout
		}
		return fmt.Errorf("fabric: deliver to %s: %w", msg.To.Location(), err)
	}

	metrics.PulsesSentTotal.Inc()
	return nil
}

func (f *GRPCFabric) dial(to types.Endpoint) (*grpc.ClientConn, error) {
	loc := to.Location()

	f.mu.RLock()
	conn, ok := f.conns[loc]
	f.mu.RUnlock()
	if ok {
		return conn, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if conn, ok := f.conns[loc]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(loc, grpc.WithTransportCredentials(f.creds))
	if err != nil {
		return nil, err
	}
	f.conns[loc] = conn

	go f.watchPeer(to, conn)

	return conn, nil
}

func (f *GRPCFabric) watchPeer(ep types.Endpoint, conn *grpc.ClientConn) {
	state := connectivity.Idle
	wasOnline := false

	for {
		conn.Connect()
		if !conn.WaitForStateChange(context.Background(), state) {
			return
		}
		state = conn.GetState()

		switch state {
		case connectivity.Ready:
			if !wasOnline {
				wasOnline = true
				f.emitPeerEvent(PeerEvent{Endpoint: ep, Status: PeerOnline})
			}
		case connectivity.TransientFailure, connectivity.Shutdown:
			if wasOnline {
				wasOnline = false
				f.emitPeerEvent(PeerEvent{Endpoint: ep, Status: PeerOffline})
			}
			if state == connectivity.Shutdown {
				return
			}
		}

		select {
		case <-f.closed:
			return
		default:
		}
	}
}

func (f *GRPCFabric) emitPeerEvent(ev PeerEvent) {
	select {
	case f.peerEvents <- ev:
	default:
		log.Warn(fmt.Sprintf("fabric: peer event channel full, dropping event for %s", ev.Endpoint.Location()))
	}
}

func (f *GRPCFabric) Peers() <-chan PeerEvent {
	return f.peerEvents
}

func (f *GRPCFabric) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.grpcServer.GracefulStop()

		f.mu.Lock()
		for _, box := range f.endpoints {
			close(box.inbox)
		}
		f.endpoints = nil
		for _, conn := range f.conns {
			conn.Close()
		}
		f.conns = nil
		f.mu.Unlock()

		close(f.peerEvents)
	})
	return nil
}

// deliver implements fabricServer: it is invoked by the grpc runtime
// for every inbound Deliver call and routes the decoded envelope to
// the named local endpoint's inbox.
func (f *GRPCFabric) deliver(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	msg := fromEnvelope(in)

	f.mu.RLock()
	box, ok := f.endpoints[msg.To.Name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fabric: no such endpoint %q", msg.To.Name)
	}

	select {
	case box.inbox <- msg:
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			"ok": structpb.NewBoolValue(true),
		}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
