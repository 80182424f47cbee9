// Package upload implements the chunked image upload sub-protocol.
//
// An Uploader holds the full image and produces one CBOR request body per
// exchange. The device acknowledges each chunk with the next offset it
// expects, and Next builds the following chunk from that offset. Trusting
// the device offset instead of a local counter makes the transfer
// self-clocking and resumable after dropped or repeated acknowledgements.
package upload

import (
	"crypto/sha256"
	"errors"
	"sync/atomic"

	"github.com/smpmgr/smpmgr-go/pkg/cbor"
	"github.com/smpmgr/smpmgr-go/pkg/packet"
)

// MinImageSize is the smallest image accepted for upload. Anything shorter
// cannot hold an image header.
const MinImageSize = 32

// DefaultMaxPayload is the default size limit for one request packet,
// header included. It matches a BLE link with data length extension.
const DefaultMaxPayload = 244

// Upload errors.
var (
	ErrImageTooSmall   = errors.New("image too small")
	ErrUserCancelled   = errors.New("upload cancelled by user")
	ErrPayloadTooSmall = errors.New("max payload too small for an upload chunk")
)

// Body keys.
const (
	keyOffset = "off"
	keyData   = "data"
	keyLength = "len"
	keySHA    = "sha"
)

// ProgressFunc receives the acknowledged fraction of the image in [0, 1].
// Returning false cancels the upload.
type ProgressFunc func(fraction float64) bool

// Option configures an Uploader.
type Option func(*Uploader)

// WithMaxPayload sets the packet size limit used to size chunks.
func WithMaxPayload(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.maxPayload = n
		}
	}
}

// WithProgress sets the progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(u *Uploader) {
		u.progress = fn
	}
}

// Uploader is the state of one image transfer.
//
// Next and Chunk are called by one goroutine at a time. Cancel may be called
// from any goroutine; it is observed by the next call to Next.
type Uploader struct {
	image      []byte
	sha        [sha256.Size]byte
	maxPayload int
	progress   ProgressFunc

	offset    int
	chunk     cbor.Value
	chunkLen  int
	done      bool
	cancelled atomic.Bool
}

// New validates image and prepares the first chunk at offset 0.
func New(image []byte, opts ...Option) (*Uploader, error) {
	if len(image) < MinImageSize {
		return nil, ErrImageTooSmall
	}

	u := &Uploader{
		image:      image,
		sha:        sha256.Sum256(image),
		maxPayload: DefaultMaxPayload,
	}
	for _, opt := range opts {
		opt(u)
	}

	if u.ChunkSize(0) <= 0 {
		return nil, ErrPayloadTooSmall
	}
	u.build(0)
	return u, nil
}

// Size returns the image length.
func (u *Uploader) Size() int {
	return len(u.image)
}

// SHA returns the SHA-256 digest of the whole image, sent with the first
// chunk.
func (u *Uploader) SHA() []byte {
	return u.sha[:]
}

// Offset returns the offset of the current chunk.
func (u *Uploader) Offset() int {
	return u.offset
}

// Chunk returns the request body for the current chunk.
func (u *Uploader) Chunk() cbor.Value {
	return u.chunk
}

// ChunkLen returns the number of image bytes in the current chunk.
func (u *Uploader) ChunkLen() int {
	return u.chunkLen
}

// Done reports whether the device has acknowledged the whole image.
func (u *Uploader) Done() bool {
	return u.done
}

// Cancel requests cancellation. The upload stops at the next call to Next.
func (u *Uploader) Cancel() {
	u.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called or the progress callback
// declined to continue.
func (u *Uploader) Cancelled() bool {
	return u.cancelled.Load()
}

// Next consumes a device acknowledgement carrying the next expected offset.
// It reports progress, then returns the following chunk, or done=true once
// the device has consumed the whole image.
func (u *Uploader) Next(offset uint64) (body cbor.Value, done bool, err error) {
	if u.done {
		return cbor.Value{}, true, nil
	}

	size := uint64(len(u.image))
	fraction := 1.0
	if offset < size {
		fraction = float64(offset) / float64(size)
	}
	if u.progress != nil && !u.progress(fraction) {
		u.cancelled.Store(true)
	}
	if u.cancelled.Load() {
		return cbor.Value{}, false, ErrUserCancelled
	}

	if offset >= size {
		u.done = true
		u.offset = len(u.image)
		u.chunk = cbor.Value{}
		u.chunkLen = 0
		return cbor.Value{}, true, nil
	}

	u.build(int(offset))
	return u.chunk, false, nil
}

// ChunkSize returns how many image bytes fit into a request at offset.
// The first chunk carries the total length and the image digest as well, so
// it holds less data.
func (u *Uploader) ChunkSize(offset int) int {
	remaining := len(u.image) - offset
	if remaining <= 0 {
		return 0
	}

	overhead := packet.HeaderSize +
		1 + // map head
		textKeySize(keyOffset) + cbor.HeadSize(uint64(offset)) +
		textKeySize(keyData)
	if offset == 0 {
		overhead += textKeySize(keyLength) + cbor.HeadSize(uint64(len(u.image))) +
			textKeySize(keySHA) + cbor.HeadSize(sha256.Size) + sha256.Size
	}

	avail := u.maxPayload - overhead
	if avail <= 0 {
		return 0
	}
	// Leave room for the byte string head of the data itself.
	n := avail - cbor.HeadSize(uint64(avail))
	if n <= 0 {
		return 0
	}
	return min(n, remaining)
}

func (u *Uploader) build(offset int) {
	n := u.ChunkSize(offset)
	data := u.image[offset : offset+n]

	pairs := []cbor.Pair{
		cbor.KV(keyOffset, cbor.Uint(uint64(offset))),
		cbor.KV(keyData, cbor.Bytes(data)),
	}
	if offset == 0 {
		pairs = append(pairs,
			cbor.KV(keyLength, cbor.Uint(uint64(len(u.image)))),
			cbor.KV(keySHA, cbor.Bytes(u.sha[:])),
		)
	}

	u.offset = offset
	u.chunk = cbor.Map(pairs...)
	u.chunkLen = n
}

func textKeySize(key string) int {
	return cbor.HeadSize(uint64(len(key))) + len(key)
}
