package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// MarshalProto is the optional alternative to JSON payload encoding above a
// DataChannel frame. The RPC wire format carried inside a channel is out of
// this module's scope; this only exposes the marshal/unmarshal primitives a
// caller's own message types can use.
func MarshalProto(m proto.Message) ([]byte, error) {
	b, err := proto.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal proto message: %w", err)
	}
	return b, nil
}

func UnmarshalProto(data []byte, m proto.Message) error {
	if err := proto.Unmarshal(data, m); err != nil {
		return fmt.Errorf("codec: unmarshal proto message: %w", err)
	}
	return nil
}
