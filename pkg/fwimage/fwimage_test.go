package fwimage

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"
)

func header(magic uint32, hdrSize uint16, imgSize uint32, tlvSize uint16) []byte {
	h := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(h[0:4], magic)
	binary.LittleEndian.PutUint16(h[4:6], tlvSize)
	binary.LittleEndian.PutUint16(h[8:10], hdrSize)
	binary.LittleEndian.PutUint32(h[12:16], imgSize)
	h[20] = 1
	h[21] = 2
	binary.LittleEndian.PutUint16(h[22:24], 3)
	binary.LittleEndian.PutUint32(h[24:28], 4)
	return h
}

func TestParseHashTLV(t *testing.T) {
	hash := bytes.Repeat([]byte{0x5a}, 32)
	data := header(MagicV1, HeaderSize, 0, 36)
	data = append(data, 0x01, 0x00, 0x20, 0x00)
	data = append(data, hash...)

	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !bytes.Equal(img.Hash, hash) {
		t.Errorf("Hash = %x, want %x", img.Hash, hash)
	}
	if got := img.Header.Version.String(); got != "1.2.3.4" {
		t.Errorf("Version = %s, want 1.2.3.4", got)
	}
}

func TestParseErasedMagic(t *testing.T) {
	data := header(MagicErased, HeaderSize, 0, 0)

	_, err := Parse(data)
	if !errors.Is(err, ErrImageInvalid) {
		t.Fatalf("expected ErrImageInvalid, got %v", err)
	}
	var magicErr *InvalidMagicError
	if !errors.As(err, &magicErr) || !magicErr.Erased {
		t.Errorf("expected erased InvalidMagicError, got %v", err)
	}
}

func TestParseBadMagic(t *testing.T) {
	_, err := Parse(header(0x12345678, HeaderSize, 0, 0))

	var magicErr *InvalidMagicError
	if !errors.As(err, &magicErr) {
		t.Fatalf("expected InvalidMagicError, got %v", err)
	}
	if magicErr.Erased {
		t.Error("corrupt magic must not be reported as erased")
	}
	if magicErr.Magic != 0x12345678 {
		t.Errorf("Magic = 0x%08x", magicErr.Magic)
	}
}

func TestParseShort(t *testing.T) {
	_, err := Parse(make([]byte, 16))
	if !errors.Is(err, ErrImageInvalid) {
		t.Errorf("expected ErrImageInvalid, got %v", err)
	}
}

func TestParseTLVScan(t *testing.T) {
	hash := bytes.Repeat([]byte{0x11}, 32)
	payload := []byte("firmware")

	tests := []struct {
		name     string
		trailer  []byte
		tlvSize  uint16
		wantHash []byte
		wantTLVs int
	}{
		{
			name:     "no trailer",
			wantHash: nil,
		},
		{
			name:     "key hash then sha",
			trailer:  append(append([]byte{0x02, 0x00, 0x04, 0x00, 1, 2, 3, 4}, 0x01, 0x00, 0x20, 0x00), hash...),
			tlvSize:  44,
			wantHash: hash,
			wantTLVs: 2,
		},
		{
			name:     "sentinel stops scan",
			trailer:  append([]byte{0xff, 0x00, 0xff, 0xff, 0x01, 0x00, 0x20, 0x00}, hash...),
			tlvSize:  40,
			wantHash: nil,
		},
		{
			name:     "sha of wrong length ignored",
			trailer:  []byte{0x01, 0x00, 0x04, 0x00, 1, 2, 3, 4},
			tlvSize:  8,
			wantHash: nil,
			wantTLVs: 1,
		},
		{
			name:     "record beyond declared region",
			trailer:  append([]byte{0x01, 0x00, 0x20, 0x00}, hash...),
			tlvSize:  20,
			wantHash: nil,
		},
		{
			name:     "declared region beyond data",
			trailer:  append([]byte{0x01, 0x00, 0x20, 0x00}, hash[:10]...),
			tlvSize:  36,
			wantHash: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := header(MagicV1, HeaderSize, uint32(len(payload)), tt.tlvSize)
			data = append(data, payload...)
			data = append(data, tt.trailer...)

			img, err := Parse(data)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if !bytes.Equal(img.Hash, tt.wantHash) {
				t.Errorf("Hash = %x, want %x", img.Hash, tt.wantHash)
			}
			if len(img.TLVs) != tt.wantTLVs {
				t.Errorf("len(TLVs) = %d, want %d", len(img.TLVs), tt.wantTLVs)
			}
		})
	}
}

func TestParseV2InfoHeader(t *testing.T) {
	hash := bytes.Repeat([]byte{0x77}, 32)
	data := header(MagicV2, HeaderSize, 4, 0)
	data = append(data, 0xde, 0xad, 0xbe, 0xef)

	// Protected area with one record, then the main area with the hash.
	data = append(data, 0x08, 0x69, 0x0a, 0x00, 0x50, 0x00, 0x02, 0x00, 0x01, 0x02)
	data = append(data, 0x07, 0x69, 0x28, 0x00, 0x10, 0x00, 0x20, 0x00)
	data = append(data, hash...)

	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !bytes.Equal(img.Hash, hash) {
		t.Errorf("Hash = %x, want %x", img.Hash, hash)
	}
	if len(img.TLVs) != 2 {
		t.Errorf("len(TLVs) = %d, want 2", len(img.TLVs))
	}
}

func TestBuildRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xc3}, 500)
	v := Version{Major: 2, Minor: 0, Revision: 11, Build: 7}

	data := Build(v, payload)

	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if img.Header.Version != v {
		t.Errorf("Version = %s, want %s", img.Header.Version, v)
	}
	if img.Header.ImageSize != 500 {
		t.Errorf("ImageSize = %d, want 500", img.Header.ImageSize)
	}

	want := sha256.Sum256(data[:HeaderSize+len(payload)])
	if !bytes.Equal(img.Hash, want[:]) {
		t.Errorf("Hash = %x, want %x", img.Hash, want)
	}
}
