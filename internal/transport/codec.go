package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype of every concord RPC. Clients
// select it with grpc.CallContentSubtype and the server resolves it from
// the encoding registry.
const codecName = "concord"

// message is implemented by raftpb types and the wire package.
type message interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

type codec struct{}

func init() {
	encoding.RegisterCodec(codec{})
}

func (codec) Name() string { return codecName }

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("concord codec: cannot marshal %T", v)
	}
	return m.Marshal()
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("concord codec: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}
