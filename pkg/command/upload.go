package command

import (
	"fmt"

	"github.com/smpmgr/smpmgr-go/pkg/cbor"
	"github.com/smpmgr/smpmgr-go/pkg/packet"
	"github.com/smpmgr/smpmgr-go/pkg/upload"
)

// UploadAck is the device acknowledgement of one upload chunk.
type UploadAck struct {
	// Offset is the next image offset the device expects.
	Offset uint64
}

func (*UploadAck) isResult() {}

// UploadResult is the final result of a completed upload.
type UploadResult struct {
	Size int
}

func (*UploadResult) isResult() {}

// UploadRequest transfers a firmware image to the device in chunks.
type UploadRequest struct {
	route
	Image []byte

	up *upload.Uploader
}

// Upload returns the command that uploads image.
func Upload(image []byte) *UploadRequest {
	return &UploadRequest{
		route: route{packet.OpWrite, packet.GroupImage, IDImageUpload},
		Image: image,
	}
}

// Begin validates the image and prepares the chunk at offset 0.
func (c *UploadRequest) Begin(maxPayload int, progress func(float64) bool) error {
	opts := []upload.Option{upload.WithMaxPayload(maxPayload)}
	if progress != nil {
		opts = append(opts, upload.WithProgress(progress))
	}
	up, err := upload.New(c.Image, opts...)
	if err != nil {
		return err
	}
	c.up = up
	return nil
}

// Body returns the current chunk. Before Begin it is an empty map.
func (c *UploadRequest) Body() cbor.Value {
	if c.up == nil {
		return cbor.Map()
	}
	return c.up.Chunk()
}

func (c *UploadRequest) Parse(rsp cbor.Value) (Result, error) {
	if err := CheckReturnCode(rsp, true); err != nil {
		return nil, err
	}
	off, err := uintField(rsp, "off")
	if err != nil {
		return nil, err
	}
	return &UploadAck{Offset: off}, nil
}

// Continue feeds the acknowledged offset to the chunker.
func (c *UploadRequest) Continue(r Result) (Result, bool, error) {
	ack, ok := r.(*UploadAck)
	if !ok {
		return nil, false, fmt.Errorf("%w: %T", ErrUnexpectedResult, r)
	}
	if c.up == nil {
		return nil, false, fmt.Errorf("%w: upload not started", ErrUnexpectedResult)
	}

	_, done, err := c.up.Next(ack.Offset)
	if err != nil {
		return nil, false, err
	}
	if done {
		return &UploadResult{Size: c.up.Size()}, true, nil
	}
	return nil, false, nil
}

// Cancel stops the upload at the next acknowledgement.
func (c *UploadRequest) Cancel() {
	if c.up != nil {
		c.up.Cancel()
	}
}

// Offset returns the offset of the chunk currently in flight.
func (c *UploadRequest) Offset() int {
	if c.up == nil {
		return 0
	}
	return c.up.Offset()
}

func (c *UploadRequest) String() string {
	return c.describe(fmt.Sprintf("image upload %d bytes", len(c.Image)))
}
