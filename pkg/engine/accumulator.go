package engine

import "github.com/smpmgr/smpmgr-go/pkg/packet"

// accumulator reassembles one response from transport fragments. The first
// fragment carries the packet header, which declares the body length.
type accumulator struct {
	hdr   *packet.Packet
	total int
	buf   []byte
}

func (a *accumulator) empty() bool {
	return a.hdr == nil
}

// start begins a response from its decoded first fragment.
func (a *accumulator) start(p *packet.Packet) {
	a.hdr = p
	a.total = int(p.Length)
	a.buf = append(a.buf[:0], p.Body...)
}

func (a *accumulator) append(data []byte) {
	a.buf = append(a.buf, data...)
}

func (a *accumulator) complete() bool {
	return a.hdr != nil && len(a.buf) >= a.total
}

// take returns the header and exactly the declared body bytes and resets
// the accumulator. Bytes past the declared length are dropped.
func (a *accumulator) take() (*packet.Packet, []byte) {
	hdr := a.hdr
	body := make([]byte, a.total)
	copy(body, a.buf[:a.total])
	a.reset()
	return hdr, body
}

func (a *accumulator) reset() {
	a.hdr = nil
	a.total = 0
	a.buf = a.buf[:0]
}
