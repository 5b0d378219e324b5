package trunk

import (
	"encoding/binary"
	"fmt"
)

// FileType tags the kind of logical file stored in a slot.
type FileType byte

const (
	// FileTypeNone marks a deleted or never-written slot.
	FileTypeNone FileType = 0
	// FileTypeRegular marks an ordinary uploaded file.
	FileTypeRegular FileType = 'F'
	// FileTypeLink marks a symbolic-link record.
	FileTypeLink FileType = 'L'
)

// ExtNameLen is the maximum extension name length kept in a header.
const ExtNameLen = 6

// Header byte layout. A header immediately precedes every slot's
// payload bytes inside a trunk file.
const (
	headerFileTypeOff  = 0
	headerAllocSizeOff = 1
	headerFileSizeOff  = 5
	headerCRC32Off     = 9
	headerMTimeOff     = 13
	headerExtNameOff   = 17

	// HeaderSize is the on-disk size of a slot header.
	HeaderSize = headerExtNameOff + ExtNameLen + 1
)

// Header is the fixed-size record preceding a slot's payload.
type Header struct {
	FileType  FileType
	AllocSize int64
	FileSize  int64
	CRC32     uint32
	MTime     int64
	ExtName   string
}

// Marshal packs the header into its 24-byte on-disk form.
// Integer fields are written big-endian, truncated to 32 bits as in
// the historical format.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[headerFileTypeOff] = byte(h.FileType)
	binary.BigEndian.PutUint32(buf[headerAllocSizeOff:], uint32(h.AllocSize))
	binary.BigEndian.PutUint32(buf[headerFileSizeOff:], uint32(h.FileSize))
	binary.BigEndian.PutUint32(buf[headerCRC32Off:], h.CRC32)
	binary.BigEndian.PutUint32(buf[headerMTimeOff:], uint32(h.MTime))
	ext := h.ExtName
	if len(ext) > ExtNameLen {
		ext = ext[:ExtNameLen]
	}
	copy(buf[headerExtNameOff:headerExtNameOff+ExtNameLen], ext)
	return buf
}

// UnmarshalHeader decodes a slot header from its on-disk form.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("trunk header too short: %d bytes, want %d", len(buf), HeaderSize)
	}

	var h Header
	h.FileType = FileType(buf[headerFileTypeOff])
	h.AllocSize = int64(binary.BigEndian.Uint32(buf[headerAllocSizeOff:]))
	h.FileSize = int64(binary.BigEndian.Uint32(buf[headerFileSizeOff:]))
	h.CRC32 = binary.BigEndian.Uint32(buf[headerCRC32Off:])
	h.MTime = int64(binary.BigEndian.Uint32(buf[headerMTimeOff:]))

	ext := buf[headerExtNameOff : headerExtNameOff+ExtNameLen]
	n := 0
	for n < len(ext) && ext[n] != 0 {
		n++
	}
	h.ExtName = string(ext[:n])

	return h, nil
}

// HeaderBytesFree reports whether a raw header region is the "free"
// sentinel: no file has been written into the slot, or the slot was
// deleted. The file type and size fields are ignored because a deleted
// slot keeps its allocation size; everything past them must be zero.
func HeaderBytesFree(buf []byte) bool {
	if len(buf) < HeaderSize {
		return false
	}
	if FileType(buf[headerFileTypeOff]) != FileTypeNone {
		return false
	}
	for i := headerCRC32Off; i < HeaderSize; i++ {
		if buf[i] != 0 {
			return false
		}
	}
	return true
}

func (h Header) String() string {
	return fmt.Sprintf("file_type=%d, alloc_size=%d, file_size=%d, crc32=%d, mtime=%d, ext_name=%s",
		h.FileType, h.AllocSize, h.FileSize, h.CRC32, h.MTime, h.ExtName)
}
