package simdevice

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/smpmgr/smpmgr-go/pkg/cbor"
	"github.com/smpmgr/smpmgr-go/pkg/command"
	"github.com/smpmgr/smpmgr-go/pkg/fwimage"
)

// slot is one image slot. Slot 0 holds the running image, slot 1 the
// secondary image uploads land in.
type slot struct {
	data      []byte
	version   string
	hash      []byte
	bootable  bool
	pending   bool
	confirmed bool
	active    bool
	permanent bool
}

func (s *slot) empty() bool {
	return len(s.data) == 0
}

// entry mirrors one element of the "images" array.
type entry struct {
	Slot      int    `cbor:"slot"`
	Version   string `cbor:"version"`
	Hash      []byte `cbor:"hash"`
	Bootable  bool   `cbor:"bootable"`
	Pending   bool   `cbor:"pending"`
	Confirmed bool   `cbor:"confirmed"`
	Active    bool   `cbor:"active"`
	Permanent bool   `cbor:"permanent"`
}

type pendingUpload struct {
	buf  []byte
	size int
	sha  []byte
}

func (d *Device) imageState() cbor.Value {
	images := make([]cbor.Value, 0, len(d.slots))
	for i := range d.slots {
		s := &d.slots[i]
		if s.empty() {
			continue
		}
		v, err := cbor.FromGo(entry{
			Slot:      i,
			Version:   s.version,
			Hash:      s.hash,
			Bootable:  s.bootable,
			Pending:   s.pending,
			Confirmed: s.confirmed,
			Active:    s.active,
			Permanent: s.permanent,
		})
		if err != nil {
			return rcBody(command.ReturnCodeUnknown)
		}
		images = append(images, v)
	}
	return cbor.Map(
		cbor.KV("images", cbor.Array(images...)),
		cbor.KV("splitStatus", cbor.Uint(0)),
		cbor.KV("rc", cbor.Uint(0)),
	)
}

func (d *Device) imageList() cbor.Value {
	return d.imageState()
}

// imageWrite handles test and confirm requests.
func (d *Device) imageWrite(body cbor.Value) cbor.Value {
	confirm := false
	if v, ok := body.Lookup("confirm"); ok {
		confirm, _ = v.AsBool()
	}

	var hash []byte
	if v, ok := body.Lookup("hash"); ok {
		hash, _ = v.AsBytes()
	}

	if len(hash) == 0 {
		if !confirm {
			return rcBody(command.ReturnCodeInvalidState)
		}
		d.slots[0].confirmed = true
		return d.imageState()
	}

	idx := -1
	for i := range d.slots {
		if !d.slots[i].empty() && bytes.Equal(d.slots[i].hash, hash) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return rcBody(command.ReturnCodeNoEntry)
	}

	s := &d.slots[idx]
	switch {
	case s.active && confirm:
		s.confirmed = true
	case s.active:
		return rcBody(command.ReturnCodeBadState)
	case !s.bootable:
		return rcBody(command.ReturnCodeBadState)
	default:
		s.pending = true
		s.permanent = confirm
	}
	return d.imageState()
}

// imageUpload stores one chunk. A chunk at an unexpected offset is answered
// with the offset the device wants next so the controller resumes there.
func (d *Device) imageUpload(body cbor.Value) cbor.Value {
	offV, ok := body.Lookup("off")
	if !ok {
		return rcBody(command.ReturnCodeInvalidState)
	}
	off, ok := offV.AsUint()
	if !ok {
		return rcBody(command.ReturnCodeInvalidState)
	}
	dataV, ok := body.Lookup("data")
	if !ok {
		return rcBody(command.ReturnCodeInvalidState)
	}
	data, ok := dataV.AsBytes()
	if !ok {
		return rcBody(command.ReturnCodeInvalidState)
	}

	if off == 0 {
		lenV, ok := body.Lookup("len")
		if !ok {
			return rcBody(command.ReturnCodeInvalidState)
		}
		size, ok := lenV.AsUint()
		if !ok || size == 0 {
			return rcBody(command.ReturnCodeInvalidState)
		}
		if d.slots[1].pending {
			return rcBody(command.ReturnCodeBadState)
		}
		var sha []byte
		if shaV, ok := body.Lookup("sha"); ok {
			if sha, ok = shaV.AsBytes(); !ok || len(sha) != sha256.Size {
				return rcBody(command.ReturnCodeInvalidState)
			}
		}
		d.upload = &pendingUpload{buf: make([]byte, 0, size), size: int(size), sha: sha}
		d.slots[1] = slot{}
	}

	up := d.upload
	if up == nil {
		return rcBody(command.ReturnCodeBadState)
	}
	if int(off) != len(up.buf) {
		return uploadAck(len(up.buf))
	}
	if len(up.buf)+len(data) > up.size {
		d.upload = nil
		return rcBody(command.ReturnCodeInvalidState)
	}
	up.buf = append(up.buf, data...)

	if len(up.buf) == up.size {
		d.upload = nil
		if up.sha != nil {
			if sum := sha256.Sum256(up.buf); !bytes.Equal(sum[:], up.sha) {
				d.debug("uploaded image digest mismatch")
				return rcBody(command.ReturnCodeCorrupt)
			}
		}
		s, err := slotFromImage(up.buf)
		if err != nil {
			d.debug("uploaded image rejected", "error", err)
			return rcBody(command.ReturnCodeCorrupt)
		}
		d.slots[1] = s
	}
	return uploadAck(len(up.buf))
}

func uploadAck(off int) cbor.Value {
	return cbor.Map(
		cbor.KV("rc", cbor.Uint(0)),
		cbor.KV("off", cbor.Uint(uint64(off))),
	)
}

func slotFromImage(data []byte) (slot, error) {
	img, err := fwimage.Parse(data)
	if err != nil {
		return slot{}, err
	}
	if int(img.Header.HeaderSize)+int(img.Header.ImageSize) > len(data) {
		return slot{}, fmt.Errorf("%w: image truncated", fwimage.ErrImageInvalid)
	}
	hash := img.Hash
	if len(hash) == 0 {
		sum := sha256.Sum256(data)
		hash = sum[:]
	}
	return slot{
		data:     data,
		version:  versionString(img.Header.Version),
		hash:     hash,
		bootable: true,
	}, nil
}

// boot simulates the bootloader at reset. A pending secondary image is
// swapped in; an unconfirmed test image is swapped back out.
func (d *Device) boot() {
	primary, secondary := d.slots[0], d.slots[1]

	switch {
	case !secondary.empty() && secondary.pending:
		d.slots[0] = secondary
		d.slots[0].pending = false
		d.slots[0].active = true
		d.slots[0].confirmed = secondary.permanent
		d.slots[0].permanent = false

		d.slots[1] = primary
		d.slots[1].active = false
		d.slots[1].confirmed = false
	case !primary.confirmed && !secondary.empty():
		d.slots[0] = secondary
		d.slots[0].active = true
		d.slots[0].confirmed = true

		d.slots[1] = primary
		d.slots[1].active = false
	}
}

func versionString(v fwimage.Version) string {
	if v.Build == 0 {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
	}
	return v.String()
}
