package meshlink

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Envelope is the unit relayed between nodes: the application data, the
// handler it targets and the nodes it must still be forwarded to.
type Envelope struct {
	Data      []byte     `cbor:"1,keyasint,omitempty"`
	HandlerID uint16     `cbor:"2,keyasint"`
	Nodes     []Endpoint `cbor:"3,keyasint,omitempty"`
}

type response struct {
	Data   []byte `cbor:"1,keyasint,omitempty"`
	Err    string `cbor:"2,keyasint,omitempty"`
	HasErr bool   `cbor:"3,keyasint,omitempty"`
}

// Delivery message types, the first byte of a reassembled message:
//
//	[1B type][16B request ID][2B handler ID, big-endian][CBOR body]
const (
	msgTypeSend uint8 = 10
	msgTypeResp uint8 = 20

	msgHeaderSize = 1 + idSize + 2
)

func encodeMessage(typ uint8, rid uuid.UUID, handlerID uint16, body []byte) []byte {
	buf := make([]byte, msgHeaderSize+len(body))
	buf[0] = typ
	copy(buf[1:], rid[:])
	binary.BigEndian.PutUint16(buf[1+idSize:], handlerID)
	copy(buf[msgHeaderSize:], body)
	return buf
}

func decodeMessage(buf []byte) (uint8, uuid.UUID, uint16, []byte, error) {
	if len(buf) < msgHeaderSize {
		return 0, uuid.Nil, 0, nil, fmt.Errorf("%w: %d bytes header", ErrMalformedMessage, len(buf))
	}
	return buf[0],
		uuid.UUID(buf[1 : 1+idSize]),
		binary.BigEndian.Uint16(buf[1+idSize : msgHeaderSize]),
		buf[msgHeaderSize:],
		nil
}

func encodeEnvelope(env *Envelope) ([]byte, error) {
	return cbor.Marshal(env)
}

func decodeEnvelope(body []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := cbor.Unmarshal(body, env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return env, nil
}

func encodeResponse(data []byte, rerr error) ([]byte, error) {
	resp := response{Data: data}
	if rerr != nil {
		resp.Err = rerr.Error()
		resp.HasErr = true
	}
	return cbor.Marshal(&resp)
}

func decodeResponse(body []byte) ([]byte, error, error) {
	var resp response
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if resp.HasErr {
		return resp.Data, &RemoteError{Msg: resp.Err}, nil
	}
	return resp.Data, nil, nil
}
