package meshlink

import (
	"fmt"
	"maps"
	"math"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// nodeMeta is what every node announces through memberlist, encoded as a
// protobuf `Struct`:
//
//	{"addr": "10.0.0.1", "port": 8100, "type": "worker", "values": {...}}
type nodeMeta struct {
	Mesh   Endpoint
	Type   string
	Values map[string]any
}

func (m *nodeMeta) clone() *nodeMeta {
	return &nodeMeta{
		Mesh:   m.Mesh,
		Type:   m.Type,
		Values: maps.Clone(m.Values),
	}
}

func (m *nodeMeta) encode() ([]byte, error) {
	values := m.Values
	if values == nil {
		values = map[string]any{}
	}
	st, err := structpb.NewStruct(map[string]any{
		"addr":   m.Mesh.Addr,
		"port":   m.Mesh.Port,
		"type":   m.Type,
		"values": values,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMeta, err)
	}
	return proto.Marshal(st)
}

func decodeMeta(buf []byte) (*nodeMeta, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidMeta)
	}

	st := &structpb.Struct{}
	if err := proto.Unmarshal(buf, st); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMeta, err)
	}
	fields := st.GetFields()

	addr := fields["addr"].GetStringValue()
	if addr == "" {
		return nil, fmt.Errorf("%w: missing mesh address", ErrInvalidMeta)
	}

	port := fields["port"].GetNumberValue()
	if port <= 0 || port > math.MaxUint16 || port != math.Trunc(port) {
		return nil, fmt.Errorf("%w: invalid mesh port %v", ErrInvalidMeta, port)
	}

	meta := &nodeMeta{
		Mesh:   Endpoint{Addr: addr, Port: int(port)},
		Type:   fields["type"].GetStringValue(),
		Values: fields["values"].GetStructValue().AsMap(),
	}
	return meta, nil
}
