package upload

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smpmgr/smpmgr-go/pkg/cbor"
	"github.com/smpmgr/smpmgr-go/pkg/packet"
)

func testImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i)
	}
	return img
}

func TestNewRejectsSmallImage(t *testing.T) {
	_, err := New(testImage(31))
	assert.ErrorIs(t, err, ErrImageTooSmall)

	_, err = New(testImage(32))
	assert.NoError(t, err)
}

func TestNewRejectsTinyPayload(t *testing.T) {
	_, err := New(testImage(64), WithMaxPayload(20))
	assert.ErrorIs(t, err, ErrPayloadTooSmall)
}

func TestFirstChunkCarriesLength(t *testing.T) {
	img := testImage(1000)
	u, err := New(img, WithMaxPayload(128))
	require.NoError(t, err)

	body := u.Chunk()
	off, ok := body.Lookup("off")
	require.True(t, ok)
	o, _ := off.AsUint()
	assert.Equal(t, uint64(0), o)

	l, ok := body.Lookup("len")
	require.True(t, ok)
	n, _ := l.AsUint()
	assert.Equal(t, uint64(1000), n)

	data, ok := body.Lookup("data")
	require.True(t, ok)
	b, _ := data.AsBytes()
	assert.Equal(t, img[:u.ChunkLen()], b)

	sha, ok := body.Lookup("sha")
	require.True(t, ok)
	digest, _ := sha.AsBytes()
	want := sha256.Sum256(img)
	assert.Equal(t, want[:], digest)
	assert.Equal(t, want[:], u.SHA())

	// The first chunk is smaller than later ones because of "len" and "sha".
	assert.Less(t, u.ChunkSize(0), u.ChunkSize(500))
}

func TestChunksFitMaxPayload(t *testing.T) {
	for _, maxPayload := range []int{96, 128, 244, 512, 2048} {
		img := testImage(100000)
		u, err := New(img, WithMaxPayload(maxPayload))
		require.NoError(t, err)

		for _, off := range []uint64{0, 23, 24, 255, 256, 65535, 65536, 99990} {
			var body cbor.Value
			if off == 0 {
				body = u.Chunk()
			} else {
				body, _, err = u.Next(off)
				require.NoError(t, err)
			}

			enc, err := cbor.Encode(body)
			require.NoError(t, err)
			assert.LessOrEqual(t, packet.HeaderSize+len(enc), maxPayload,
				"payload %d offset %d", maxPayload, off)

			if off != 99990 {
				// Only the tail chunk may be short; the others fill the packet.
				assert.Greater(t, packet.HeaderSize+len(enc), maxPayload-4,
					"payload %d offset %d wastes space", maxPayload, off)
			}
		}
	}
}

func TestResumableOffsets(t *testing.T) {
	img := testImage(1000)
	var progress []float64
	u, err := New(img, WithMaxPayload(244), WithProgress(func(f float64) bool {
		progress = append(progress, f)
		return true
	}))
	require.NoError(t, err)

	var chunks int
	for off := uint64(150); ; off += 150 {
		body, done, err := u.Next(off)
		require.NoError(t, err)
		if done {
			assert.GreaterOrEqual(t, off, uint64(len(img)))
			break
		}
		chunks++

		data, _ := body.Lookup("data")
		b, _ := data.AsBytes()
		assert.True(t, bytes.Equal(img[off:int(off)+len(b)], b), "chunk at %d", off)
		_, hasLen := body.Lookup("len")
		assert.False(t, hasLen, "only the first chunk carries len")
		_, hasSHA := body.Lookup("sha")
		assert.False(t, hasSHA, "only the first chunk carries sha")
	}

	assert.Equal(t, 6, chunks)
	assert.True(t, u.Done())
	require.Len(t, progress, 7)
	assert.InDelta(t, 0.15, progress[0], 1e-9)
	assert.Equal(t, 1.0, progress[6])

	// Further acks after completion are ignored.
	_, done, err := u.Next(2000)
	assert.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, progress, 7)
}

func TestRepeatedOffsetResendsSameChunk(t *testing.T) {
	img := testImage(600)
	u, err := New(img)
	require.NoError(t, err)

	first, _, err := u.Next(200)
	require.NoError(t, err)
	again, _, err := u.Next(200)
	require.NoError(t, err)
	assert.True(t, cbor.Equal(first, again))

	// The device may also move back.
	back, _, err := u.Next(100)
	require.NoError(t, err)
	off, _ := back.Lookup("off")
	o, _ := off.AsUint()
	assert.Equal(t, uint64(100), o)
	assert.Equal(t, 100, u.Offset())
}

func TestCancelFromProgress(t *testing.T) {
	img := testImage(1000)
	calls := 0
	u, err := New(img, WithProgress(func(f float64) bool {
		calls++
		return calls < 3
	}))
	require.NoError(t, err)

	_, _, err = u.Next(200)
	require.NoError(t, err)
	_, _, err = u.Next(400)
	require.NoError(t, err)

	body, done, err := u.Next(600)
	assert.ErrorIs(t, err, ErrUserCancelled)
	assert.False(t, done)
	assert.Equal(t, cbor.KindNull, body.Kind())
	assert.True(t, u.Cancelled())

	_, _, err = u.Next(800)
	assert.ErrorIs(t, err, ErrUserCancelled)
}

func TestCancelIsCooperative(t *testing.T) {
	u, err := New(testImage(500))
	require.NoError(t, err)

	u.Cancel()
	// The current chunk is still intact; cancellation shows at the next step.
	assert.Equal(t, 0, u.Offset())
	assert.Greater(t, u.ChunkLen(), 0)

	_, _, err = u.Next(100)
	assert.ErrorIs(t, err, ErrUserCancelled)
}
