package command

import (
	"encoding/hex"
	"fmt"

	"github.com/smpmgr/smpmgr-go/pkg/cbor"
	"github.com/smpmgr/smpmgr-go/pkg/packet"
)

// Image is one image slot as reported by the device.
type Image struct {
	Slot      int    `cbor:"slot"`
	Version   string `cbor:"version"`
	Hash      []byte `cbor:"hash"`
	Bootable  bool   `cbor:"bootable"`
	Pending   bool   `cbor:"pending"`
	Confirmed bool   `cbor:"confirmed"`
	Active    bool   `cbor:"active"`
	Permanent bool   `cbor:"permanent"`
}

// HashString returns the image hash in hex.
func (i Image) HashString() string {
	return hex.EncodeToString(i.Hash)
}

// Flags returns the set state flags as short words, in a fixed order.
func (i Image) Flags() []string {
	var flags []string
	if i.Active {
		flags = append(flags, "active")
	}
	if i.Confirmed {
		flags = append(flags, "confirmed")
	}
	if i.Pending {
		flags = append(flags, "pending")
	}
	if i.Bootable {
		flags = append(flags, "bootable")
	}
	if i.Permanent {
		flags = append(flags, "permanent")
	}
	return flags
}

// ImageState is the result of the image list, test and confirm commands.
type ImageState struct {
	Images []Image

	// SplitStatus is the split image status, zero when not reported.
	SplitStatus int
}

func (*ImageState) isResult() {}

// ImageListRequest reads the image slot table.
type ImageListRequest struct {
	route
}

// ImageList returns the command that lists image slots.
func ImageList() *ImageListRequest {
	return &ImageListRequest{route{packet.OpRead, packet.GroupImage, IDImageState}}
}

func (c *ImageListRequest) Body() cbor.Value { return cbor.Map() }

func (c *ImageListRequest) Parse(rsp cbor.Value) (Result, error) {
	return parseImageState(rsp)
}

func (c *ImageListRequest) String() string { return c.describe("image list") }

// ImageTestRequest marks an image for a test boot on the next reset.
type ImageTestRequest struct {
	route
	Hash []byte
}

// ImageTest returns the command that marks the image with hash as pending.
func ImageTest(hash []byte) *ImageTestRequest {
	return &ImageTestRequest{
		route: route{packet.OpWrite, packet.GroupImage, IDImageState},
		Hash:  hash,
	}
}

func (c *ImageTestRequest) Body() cbor.Value {
	return cbor.Map(
		cbor.KV("hash", cbor.Bytes(c.Hash)),
		cbor.KV("confirm", cbor.Bool(false)),
	)
}

func (c *ImageTestRequest) Parse(rsp cbor.Value) (Result, error) {
	return parseImageState(rsp)
}

func (c *ImageTestRequest) String() string { return c.describe("image test") }

// ImageConfirmRequest makes an image permanent. Without a hash the running
// image is confirmed.
type ImageConfirmRequest struct {
	route
	Hash []byte
}

// ImageConfirm returns the command that confirms the image with hash, or the
// running image when hash is nil.
func ImageConfirm(hash []byte) *ImageConfirmRequest {
	return &ImageConfirmRequest{
		route: route{packet.OpWrite, packet.GroupImage, IDImageState},
		Hash:  hash,
	}
}

func (c *ImageConfirmRequest) Body() cbor.Value {
	pairs := []cbor.Pair{cbor.KV("confirm", cbor.Bool(true))}
	if len(c.Hash) > 0 {
		pairs = append(pairs, cbor.KV("hash", cbor.Bytes(c.Hash)))
	}
	return cbor.Map(pairs...)
}

func (c *ImageConfirmRequest) Parse(rsp cbor.Value) (Result, error) {
	return parseImageState(rsp)
}

func (c *ImageConfirmRequest) String() string { return c.describe("image confirm") }

func parseImageState(rsp cbor.Value) (*ImageState, error) {
	if err := CheckReturnCode(rsp, true); err != nil {
		return nil, err
	}

	images, err := field(rsp, "images")
	if err != nil {
		return nil, err
	}
	if images.Kind() != cbor.KindArray {
		return nil, fmt.Errorf("%w: \"images\" is %s, want array", ErrMalformedResponse, images.Kind())
	}

	state := &ImageState{Images: make([]Image, 0, images.Len())}
	for i, item := range images.Items() {
		if item.Kind() != cbor.KindMap {
			return nil, fmt.Errorf("%w: images[%d] is %s, want map", ErrMalformedResponse, i, item.Kind())
		}
		var img Image
		if err := item.Unmarshal(&img); err != nil {
			return nil, fmt.Errorf("%w: images[%d]: %v", ErrMalformedResponse, i, err)
		}
		state.Images = append(state.Images, img)
	}

	if v, ok := rsp.Lookup("splitStatus"); ok {
		if s, ok := v.AsInt(); ok {
			state.SplitStatus = int(s)
		}
	}
	return state, nil
}
