package dio

import (
	"hash/crc32"
)

// FileHash accumulates uploaded payload into an application-level
// digest. crypto/md5 digests satisfy it directly; Hash4 is the
// four-way signature used for file deduplication.
type FileHash interface {
	Write(p []byte) (int, error)
}

const crcXInit = 0xFFFFFFFF

// Hash4 computes four independent 32-bit hash codes over a byte
// stream: CRC32, ELF hash, a multiplicative hash and Times33. The
// quadruple serves as a cheap file signature.
type Hash4 struct {
	codes [4]uint32
}

// NewHash4 returns a ready-to-use four-way hasher.
func NewHash4() *Hash4 {
	return &Hash4{codes: [4]uint32{crcXInit, 0, 0, 0}}
}

// Write implements FileHash.
func (h *Hash4) Write(p []byte) (int, error) {
	c0, c1, c2, c3 := h.codes[0], h.codes[1], h.codes[2], h.codes[3]

	for _, b := range p {
		c := uint32(b)

		c0 = crc32.IEEETable[(c0^c)&0xFF] ^ (c0 >> 8)

		c1 = (c1 << 4) + c
		if g := c1 & 0xF0000000; g != 0 {
			c1 ^= g >> 24
			c1 &^= g
		}

		c2 = c2*31 + c

		c3 += (c3 << 5) + c
	}

	h.codes[0], h.codes[1], h.codes[2], h.codes[3] = c0, c1, c2, c3
	return len(p), nil
}

// Codes returns the finished hash quadruple.
func (h *Hash4) Codes() [4]uint32 {
	out := h.codes
	out[0] ^= crcXInit
	return out
}
