package framer

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestSplitAndReassemble(t *testing.T) {
	cases := []struct {
		name     string
		size     int
		maxChunk int
	}{
		{"empty payload", 0, 10},
		{"single byte", 1, 10},
		{"exactly one chunk", 10, 10},
		{"one byte over", 11, 10},
		{"one byte chunks", 37, 1},
		{"default chunk size", 5000, DefaultChunkSize},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := randomPayload(t, tc.size)
			chunks, err := Split(payload, tc.maxChunk)
			require.NoError(t, err)

			expected := max(1, (tc.size+tc.maxChunk-1)/tc.maxChunk)
			require.Len(t, chunks, expected)

			id, err := ID(chunks[0])
			require.NoError(t, err)
			for _, chunk := range chunks {
				require.LessOrEqual(t, len(chunk), HeaderSize+tc.maxChunk)
				other, err := ID(chunk)
				require.NoError(t, err)
				require.Equal(t, id, other, "all chunks share the message ID")
			}

			t.Run("in order", func(t *testing.T) {
				r := NewReassembler(nil)
				msg := addAll(t, r, chunks)
				require.True(t, bytes.Equal(payload, msg))
				require.Zero(t, r.Len())
			})

			t.Run("in reverse order", func(t *testing.T) {
				r := NewReassembler(nil)
				reversed := make([][]byte, len(chunks))
				for i, chunk := range chunks {
					reversed[len(chunks)-1-i] = chunk
				}
				msg := addAll(t, r, reversed)
				require.True(t, bytes.Equal(payload, msg))
			})

			t.Run("shuffled", func(t *testing.T) {
				r := NewReassembler(nil)
				shuffled := append([][]byte(nil), chunks...)
				mrand.Shuffle(len(shuffled), func(i, j int) {
					shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
				})
				msg := addAll(t, r, shuffled)
				require.True(t, bytes.Equal(payload, msg))
			})
		})
	}
}

// addAll feeds chunks and asserts only the last one completes the message.
func addAll(t *testing.T, r *Reassembler, chunks [][]byte) []byte {
	t.Helper()
	for i, chunk := range chunks {
		msg, done, err := r.Add(chunk)
		require.NoError(t, err)
		if i < len(chunks)-1 {
			require.False(t, done, "message surfaced before chunk %d", len(chunks)-1)
			require.Nil(t, msg)
			continue
		}
		require.True(t, done)
		return msg
	}
	return nil
}

func TestDuplicateChunkIsIgnored(t *testing.T) {
	payload := randomPayload(t, 30)
	chunks, err := Split(payload, 10)
	require.NoError(t, err)

	r := NewReassembler(nil)
	for i := 0; i < 3; i++ {
		_, done, err := r.Add(chunks[0])
		require.NoError(t, err)
		require.False(t, done)
	}
	_, done, err := r.Add(chunks[2])
	require.NoError(t, err)
	require.False(t, done)

	msg, done, err := r.Add(chunks[1])
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, payload, msg)
}

func TestMalformedChunks(t *testing.T) {
	r := NewReassembler(nil)

	t.Run("short header", func(t *testing.T) {
		_, _, err := r.Add(make([]byte, HeaderSize-1))
		require.ErrorIs(t, err, ErrMalformedChunk)
		_, err = ID([]byte{1, 2, 3})
		require.ErrorIs(t, err, ErrMalformedChunk)
	})

	t.Run("length changes between chunks", func(t *testing.T) {
		chunks, err := Split(randomPayload(t, 20), 10)
		require.NoError(t, err)
		_, _, err = r.Add(chunks[0])
		require.NoError(t, err)

		tampered := append([]byte(nil), chunks[1]...)
		binary.BigEndian.PutUint32(tampered[16:20], 25)
		_, _, err = r.Add(tampered)
		require.ErrorIs(t, err, ErrMalformedChunk)

		msg, done, err := r.Add(chunks[1])
		require.NoError(t, err)
		require.True(t, done, "a rejected chunk must not corrupt the message")
		require.Len(t, msg, 20)
	})

	t.Run("overflowing chunk", func(t *testing.T) {
		chunks, err := Split(randomPayload(t, 20), 10)
		require.NoError(t, err)
		_, _, err = r.Add(chunks[0])
		require.NoError(t, err)

		overflow := append([]byte(nil), chunks[1]...)
		overflow = append(overflow, 0xFF)
		_, _, err = r.Add(overflow)
		require.ErrorIs(t, err, ErrMalformedChunk)
	})
}

func TestSplitErrors(t *testing.T) {
	_, err := Split([]byte("hello"), 0)
	require.ErrorIs(t, err, ErrInvalidChunkSize)

	_, err = Split(make([]byte, MaxChunks+1), 1)
	require.ErrorIs(t, err, ErrTooLarge)

	chunks, err := Split(make([]byte, MaxChunks), 1)
	require.NoError(t, err)
	require.Len(t, chunks, MaxChunks)
	require.Equal(t, uint16(MaxChunks-1), binary.BigEndian.Uint16(chunks[MaxChunks-1][20:22]))
}

func TestSweep(t *testing.T) {
	mock := clock.NewMock()
	r := NewReassembler(mock)

	old, err := Split(randomPayload(t, 20), 10)
	require.NoError(t, err)
	_, _, err = r.Add(old[0])
	require.NoError(t, err)

	mock.Add(5 * time.Second)
	fresh, err := Split(randomPayload(t, 20), 10)
	require.NoError(t, err)
	_, _, err = r.Add(fresh[0])
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	mock.Add(5 * time.Second)
	require.Equal(t, 1, r.Sweep(10*time.Second))
	require.Equal(t, 1, r.Len())

	// A late chunk of a swept message starts over and never completes alone.
	_, done, err := r.Add(old[1])
	require.NoError(t, err)
	require.False(t, done)

	r.Reset()
	require.Zero(t, r.Len())
}
