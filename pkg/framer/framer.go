// Package framer splits payloads into size-bounded chunks and reassembles
// them regardless of arrival order.
//
// Every chunk carries a 22 bytes header:
//
//	[16B message ID][4B total length, big-endian][2B chunk index, big-endian]
//
// followed by at most `maxChunk` bytes of payload.
package framer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	// HeaderSize is the number of bytes preceding the payload of a chunk.
	HeaderSize = 16 + 4 + 2

	// DefaultChunkSize is the maximum payload carried by one chunk when
	// the caller has no better idea of the path MTU.
	DefaultChunkSize = 1300

	// MaxChunks a single message can be split into, bounded by the
	// 16-bit chunk index.
	MaxChunks = math.MaxUint16 + 1
)

var (
	ErrInvalidChunkSize = errors.New("framer: chunk size must be at least 1 byte")
	ErrTooLarge         = errors.New("framer: payload does not fit in the chunk index space")
	ErrMalformedChunk   = errors.New("framer: malformed chunk")
)

// Split assigns a fresh message ID to `payload` and cuts it into chunks of
// at most `maxChunk` payload bytes. An empty payload still produces one
// chunk so the peer can observe the message.
func Split(payload []byte, maxChunk int) ([][]byte, error) {
	if maxChunk < 1 {
		return nil, ErrInvalidChunkSize
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}

	count := (len(payload) + maxChunk - 1) / maxChunk
	if count == 0 {
		count = 1
	}
	if count > MaxChunks {
		return nil, fmt.Errorf("%w: %d chunks needed", ErrTooLarge, count)
	}

	id := uuid.New()
	total := uint32(len(payload))
	chunks := make([][]byte, 0, count)
	for index := 0; index < count; index++ {
		start := index * maxChunk
		end := min(start+maxChunk, len(payload))
		part := payload[start:end]

		chunk := make([]byte, HeaderSize+len(part))
		copy(chunk, id[:])
		binary.BigEndian.PutUint32(chunk[16:20], total)
		binary.BigEndian.PutUint16(chunk[20:22], uint16(index))
		copy(chunk[HeaderSize:], part)
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// ID returns the message ID of a chunk without parsing the rest of it.
func ID(chunk []byte) (uuid.UUID, error) {
	if len(chunk) < HeaderSize {
		return uuid.Nil, fmt.Errorf("%w: %d bytes header", ErrMalformedChunk, len(chunk))
	}
	return uuid.UUID(chunk[:16]), nil
}

type header struct {
	id    uuid.UUID
	total uint32
	index uint16
}

func parse(chunk []byte) (header, []byte, error) {
	if len(chunk) < HeaderSize {
		return header{}, nil, fmt.Errorf("%w: %d bytes header", ErrMalformedChunk, len(chunk))
	}
	return header{
		id:    uuid.UUID(chunk[:16]),
		total: binary.BigEndian.Uint32(chunk[16:20]),
		index: binary.BigEndian.Uint16(chunk[20:22]),
	}, chunk[HeaderSize:], nil
}

type state struct {
	total   uint32
	filled  uint64
	slots   [][]byte
	present []bool
	created time.Time
}

func (s *state) assemble() []byte {
	buf := make([]byte, 0, s.total)
	for _, part := range s.slots {
		buf = append(buf, part...)
	}
	return buf
}

// Reassembler collects chunks of many concurrent messages.
// It is safe for concurrent use.
type Reassembler struct {
	clock  clock.Clock
	lk     sync.Mutex
	states map[uuid.UUID]*state
}

func NewReassembler(clk clock.Clock) *Reassembler {
	if clk == nil {
		clk = clock.New()
	}
	return &Reassembler{
		clock:  clk,
		states: make(map[uuid.UUID]*state),
	}
}

// Add stores a chunk and returns the complete message once every byte
// announced by the header has been received. Until then, it returns
// false. A chunk which was already received is ignored.
func (r *Reassembler) Add(chunk []byte) ([]byte, bool, error) {
	hdr, part, err := parse(chunk)
	if err != nil {
		return nil, false, err
	}

	// Fast path for messages fitting in one chunk.
	if hdr.index == 0 && uint64(len(part)) == uint64(hdr.total) {
		r.lk.Lock()
		_, pending := r.states[hdr.id]
		r.lk.Unlock()
		if !pending {
			buf := make([]byte, len(part))
			copy(buf, part)
			return buf, true, nil
		}
	}

	r.lk.Lock()
	defer r.lk.Unlock()

	st, ok := r.states[hdr.id]
	if !ok {
		st = &state{
			total:   hdr.total,
			created: r.clock.Now(),
		}
	} else if st.total != hdr.total {
		return nil, false, fmt.Errorf(
			"%w: length changed from %d to %d", ErrMalformedChunk, st.total, hdr.total)
	}

	index := int(hdr.index)
	if index < len(st.present) && st.present[index] {
		return nil, false, nil
	}

	if st.filled+uint64(len(part)) > uint64(st.total) {
		return nil, false, fmt.Errorf(
			"%w: chunk %d overflows declared length %d", ErrMalformedChunk, index, st.total)
	}

	if index >= len(st.slots) {
		grown := index + 1
		st.slots = append(st.slots, make([][]byte, grown-len(st.slots))...)
		st.present = append(st.present, make([]bool, grown-len(st.present))...)
	}

	buf := make([]byte, len(part))
	copy(buf, part)
	st.slots[index] = buf
	st.present[index] = true
	st.filled += uint64(len(part))

	if st.filled == uint64(st.total) {
		delete(r.states, hdr.id)
		return st.assemble(), true, nil
	}

	r.states[hdr.id] = st
	return nil, false, nil
}

// Sweep drops every partial message older than `ttl` and returns how many
// were dropped.
func (r *Reassembler) Sweep(ttl time.Duration) int {
	now := r.clock.Now()
	r.lk.Lock()
	defer r.lk.Unlock()

	swept := 0
	for id, st := range r.states {
		if !st.created.Add(ttl).After(now) {
			delete(r.states, id)
			swept++
		}
	}
	return swept
}

// Len returns the number of partial messages.
func (r *Reassembler) Len() int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return len(r.states)
}

func (r *Reassembler) Reset() {
	r.lk.Lock()
	defer r.lk.Unlock()
	clear(r.states)
}
