package trunk

import (
	"fmt"
)

// Status is the lifecycle state of a slot inside a trunk file.
type Status uint8

const (
	// StatusFree marks a slot available for allocation.
	StatusFree Status = iota
	// StatusHold marks a slot reserved by an in-flight upload,
	// pending confirmation.
	StatusHold
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "FREE"
	case StatusHold:
		return "HOLD"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// PathInfo locates the directory a trunk file lives in: the store path
// (one physical storage root) and the two-level HH/HH sub directory.
type PathInfo struct {
	StorePathIndex uint8
	SubPathHigh    uint8
	SubPathLow     uint8
}

// FullInfo identifies a unique byte range inside a trunk file.
//
// No two simultaneously-live ranges for the same path and file id
// may overlap.
type FullInfo struct {
	Path   PathInfo
	FileID uint32
	Offset int64
	Size   int64
}

// Equal reports whether two infos identify the same range.
func (i FullInfo) Equal(other FullInfo) bool {
	return i == other
}

// End returns the offset one past the last byte of the range.
func (i FullInfo) End() int64 {
	return i.Offset + i.Size
}

func (i FullInfo) String() string {
	return fmt.Sprintf("store_path_index=%d, sub_path_high=%d, sub_path_low=%d, id=%d, offset=%d, size=%d",
		i.Path.StorePathIndex, i.Path.SubPathHigh, i.Path.SubPathLow,
		i.FileID, i.Offset, i.Size)
}
