package fabric

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// fabricServiceName names the RPC service a .proto file would declare
// as:
//
//	service Fabric {
//	  rpc Deliver(google.protobuf.Struct) returns (google.protobuf.Struct);
//	}
//
// There is no .proto in this tree and nothing invokes protoc: the
// envelope is a single well-known structpb.Struct, so the descriptor
// below is hand-written in place of what protoc-gen-go-grpc would
// otherwise generate from it.
const fabricServiceName = "dispycos.fabric.Fabric"

// fabricServer is the interface the service descriptor dispatches
// Deliver calls to.
type fabricServer interface {
	deliver(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(fabricServer).deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + fabricServiceName + "/Deliver",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(fabricServer).deliver(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// fabricServiceDesc is the grpc.ServiceDesc a generated
// "_grpc.pb.go" would define for the Fabric service above.
var fabricServiceDesc = grpc.ServiceDesc{
	ServiceName: fabricServiceName,
	HandlerType: (*fabricServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fabric.proto",
}

func registerFabricServer(s grpc.ServiceRegistrar, srv fabricServer) {
	s.RegisterService(&fabricServiceDesc, srv)
}

// deliverClient issues a Deliver call against a peer's fabric
// service, mirroring the client stub a generated file would emit.
func deliverClient(ctx context.Context, cc grpc.ClientConnInterface, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, "/"+fabricServiceName+"/Deliver", in, out); err != nil {
		return nil, err
	}
	return out, nil
}
