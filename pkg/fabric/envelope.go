package fabric

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cuemby/dispycosnode/pkg/types"
)

func endpointToStruct(ep types.Endpoint) *structpb.Struct {
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"addr": structpb.NewStringValue(ep.Addr),
			"port": structpb.NewNumberValue(float64(ep.Port)),
			"name": structpb.NewStringValue(ep.Name),
		},
	}
}

func structToEndpoint(s *structpb.Struct) types.Endpoint {
	if s == nil {
		return types.Endpoint{}
	}
	fields := s.GetFields()
	return types.Endpoint{
		Addr: fields["addr"].GetStringValue(),
		Port: int(fields["port"].GetNumberValue()),
		Name: fields["name"].GetStringValue(),
	}
}

// toEnvelope packs a Message into the single structpb.Struct the wire
// descriptor carries.
func toEnvelope(msg Message) (*structpb.Struct, error) {
	payload, err := structpb.NewStruct(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("fabric: payload is not struct-representable: %w", err)
	}

	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"to":      structpb.NewStructValue(endpointToStruct(msg.To)),
			"from":    structpb.NewStructValue(endpointToStruct(msg.From)),
			"payload": structpb.NewStructValue(payload),
		},
	}, nil
}

// fromEnvelope unpacks a Message out of an inbound structpb.Struct.
func fromEnvelope(s *structpb.Struct) Message {
	fields := s.GetFields()
	return Message{
		To:      structToEndpoint(fields["to"].GetStructValue()),
		From:    structToEndpoint(fields["from"].GetStructValue()),
		Payload: fields["payload"].GetStructValue().AsMap(),
	}
}
