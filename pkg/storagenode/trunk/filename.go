package trunk

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"path/filepath"
)

// SubDirCount is the number of first- and second-level data sub
// directories under every store path ("00".."FF").
const SubDirCount = 256

// fileIDEncoding is the URL-safe base64 variant used to derive a trunk
// file's distribution name from its id: '-' and '_' for the last two
// symbols, no padding.
var fileIDEncoding = base64.NewEncoding(
	"ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_",
).WithPadding(base64.NoPadding)

// EncodeFileID renders a trunk file id as its base64 distribution name.
func EncodeFileID(id uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	return fileIDEncoding.EncodeToString(buf[:])
}

// SubPathsForName derives the HH/HH sub directory pair for a
// distribution name with the same PJW-hash scheme used for regular
// uploaded files, so trunk files spread over the existing data dirs.
func SubPathsForName(name string) (high, low uint8) {
	n := uint32(pjwHash(name)) % uint32(SubDirCount*SubDirCount)
	return uint8(n / SubDirCount), uint8(n % SubDirCount)
}

func pjwHash(s string) int32 {
	const (
		bitsInUnsigned = 32
		threeQuarters  = (bitsInUnsigned * 3) / 4
		oneEighth      = bitsInUnsigned / 8
		highBits       = uint32((0xFFFFFFFF << (bitsInUnsigned - oneEighth)) & 0xFFFFFFFF)
	)
	var h uint32
	for i := 0; i < len(s); i++ {
		h = (h << oneEighth) + uint32(s[i])
		if g := h & highBits; g != 0 {
			h ^= g >> threeQuarters
			h &^= g
		}
	}
	return int32(h)
}

// FileName returns the bare file name of a trunk file ("%06d" of the id).
func FileName(id uint32) string {
	return fmt.Sprintf("%06d", id)
}

// FilePath builds the full path of the trunk file identified by info,
// rooted at the given store path.
func FilePath(storePath string, info FullInfo) string {
	return filepath.Join(storePath, "data",
		fmt.Sprintf("%02X", info.Path.SubPathHigh),
		fmt.Sprintf("%02X", info.Path.SubPathLow),
		FileName(info.FileID))
}

// SubDirPath returns the data sub directory holding the trunk file.
func SubDirPath(storePath string, p PathInfo) string {
	return filepath.Join(storePath, "data",
		fmt.Sprintf("%02X", p.SubPathHigh),
		fmt.Sprintf("%02X", p.SubPathLow))
}
