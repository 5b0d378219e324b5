package allocator_test

import (
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk"
	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk/allocator"
	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk/binlog"
	"github.com/stretchr/testify/require"
)

const testTrunkFileSize = 1 << 20

type testEnv struct {
	workDir   string
	storePath string
	opts      []allocator.Option
}

func newTestEnv(t *testing.T, opts ...allocator.Option) *testEnv {
	dir := t.TempDir()
	store := filepath.Join(dir, "store0")
	require.NoError(t, os.MkdirAll(filepath.Join(store, "data"), 0o755))

	return &testEnv{
		workDir:   filepath.Join(dir, "work"),
		storePath: store,
		opts:      opts,
	}
}

func (e *testEnv) open(t *testing.T) *allocator.Allocator {
	require.NoError(t, os.MkdirAll(e.workDir, 0o755))

	opts := append([]allocator.Option{
		allocator.WithWorkDir(e.workDir),
		allocator.WithStorePaths([]string{e.storePath}),
		allocator.WithTrunkFileSize(testTrunkFileSize),
	}, e.opts...)

	a := allocator.New(opts...)
	require.NoError(t, a.Open())
	return a
}

func TestAllocGrowsTrunkSpace(t *testing.T) {
	e := newTestEnv(t)
	a := e.open(t)
	defer a.Close()

	require.Zero(t, a.FreeBytes())

	info, err := a.AllocSpace(100)
	require.NoError(t, err)

	// 100 bytes plus header rounds up to the minimum slot
	require.EqualValues(t, 256, info.Size)
	require.EqualValues(t, 1, info.FileID)
	require.Zero(t, info.Offset)

	// a trunk file appeared on disk at full size
	fi, err := os.Stat(trunk.FilePath(e.storePath, info))
	require.NoError(t, err)
	require.EqualValues(t, testTrunkFileSize, fi.Size())

	// held slot still counts as free space
	require.EqualValues(t, testTrunkFileSize, a.FreeBytes())

	require.NoError(t, a.ConfirmAlloc(info, nil))
	require.EqualValues(t, testTrunkFileSize-256, a.FreeBytes())
}

func TestAllocSplitAndReuse(t *testing.T) {
	e := newTestEnv(t)
	a := e.open(t)
	defer a.Close()

	first, err := a.AllocSpace(4096)
	require.NoError(t, err)
	require.EqualValues(t, 4096+trunk.HeaderSize, first.Size)
	require.NoError(t, a.ConfirmAlloc(first, nil))

	// next allocation continues right after the first slot
	second, err := a.AllocSpace(4096)
	require.NoError(t, err)
	require.Equal(t, first.End(), second.Offset)
	require.NoError(t, a.ConfirmAlloc(second, nil))

	// freeing the first slot makes its exact extent reusable
	require.NoError(t, a.FreeSpace(first))

	third, err := a.AllocSpace(4096)
	require.NoError(t, err)
	require.True(t, third.Equal(first))
	require.NoError(t, a.ConfirmAlloc(third, nil))
}

func TestHeldSlotNotReallocated(t *testing.T) {
	e := newTestEnv(t)
	a := e.open(t)
	defer a.Close()

	first, err := a.AllocSpace(1000)
	require.NoError(t, err)

	// same-size request while the first is still held must get a
	// different extent
	second, err := a.AllocSpace(1000)
	require.NoError(t, err)
	require.False(t, second.Equal(first))
	require.Equal(t, first.Size, second.Size)

	require.NoError(t, a.ConfirmAlloc(first, nil))
	require.NoError(t, a.ConfirmAlloc(second, nil))
}

func TestAllocRejectsOversize(t *testing.T) {
	e := newTestEnv(t, allocator.WithSlotSizeBounds(256, 1<<16))
	a := e.open(t)
	defer a.Close()

	require.True(t, a.Fits(1<<16-trunk.HeaderSize))
	require.False(t, a.Fits(1<<16))
	require.False(t, a.Fits(-1))

	_, err := a.AllocSpace(1 << 16)
	require.ErrorIs(t, err, allocator.ErrSlotSizeExceeded)

	// sizes near the int64 ceiling must not wrap past the limit
	require.False(t, a.Fits(math.MaxInt64-10))
	_, err = a.AllocSpace(math.MaxInt64 - 10)
	require.ErrorIs(t, err, allocator.ErrSlotSizeExceeded)
}

func TestConfirmOutcomes(t *testing.T) {
	e := newTestEnv(t)
	a := e.open(t)
	defer a.Close()

	info, err := a.AllocSpace(1000)
	require.NoError(t, err)
	before := a.FreeBytes()

	// transient upload failure returns the slot to the free index
	require.NoError(t, a.ConfirmAlloc(info, errors.New("connection reset")))
	require.Equal(t, before, a.FreeBytes())

	again, err := a.AllocSpace(1000)
	require.NoError(t, err)
	require.True(t, again.Equal(info))

	// occupied slot is dropped from accounting
	require.NoError(t, a.ConfirmAlloc(again, fs.ErrExist))
	require.Equal(t, before-again.Size, a.FreeBytes())

	// settling twice is rejected
	require.ErrorIs(t, a.ConfirmAlloc(again, nil), allocator.ErrNotHeld)
}

func TestFreeDuplicateRejected(t *testing.T) {
	e := newTestEnv(t)
	a := e.open(t)
	defer a.Close()

	info, err := a.AllocSpace(1000)
	require.NoError(t, err)
	require.NoError(t, a.ConfirmAlloc(info, nil))

	require.NoError(t, a.FreeSpace(info))
	require.ErrorIs(t, a.FreeSpace(info), allocator.ErrDuplicateExtent)
}

func TestFreeOverlapRejected(t *testing.T) {
	e := newTestEnv(t)
	a := e.open(t)
	defer a.Close()

	info, err := a.AllocSpace(1 << 15)
	require.NoError(t, err)
	require.NoError(t, a.ConfirmAlloc(info, nil))
	require.NoError(t, a.FreeSpace(info))

	inside := info
	inside.Offset += 256
	inside.Size = 512
	require.ErrorIs(t, a.FreeSpace(inside), allocator.ErrExtentOverlap)
}

func TestReplayRestoresFreeSpace(t *testing.T) {
	e := newTestEnv(t)
	a := e.open(t)

	first, err := a.AllocSpace(4096)
	require.NoError(t, err)
	require.NoError(t, a.ConfirmAlloc(first, nil))

	held, err := a.AllocSpace(1000)
	require.NoError(t, err)
	_ = held // crash before confirm

	want := a.FreeBytes()
	require.NoError(t, a.Close())

	a = e.open(t)
	defer a.Close()

	// held slot came back as free space
	require.Equal(t, want, a.FreeBytes())

	// the first slot stays allocated
	again, err := a.AllocSpace(1000)
	require.NoError(t, err)
	require.NotEqual(t, first.Offset, again.Offset)
}

func TestReplayBalancedHistoryIsEmpty(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.MkdirAll(e.workDir, 0o755))

	mkInfo := func(id uint32, offset, size int64) trunk.FullInfo {
		return trunk.FullInfo{FileID: id, Offset: offset, Size: size}
	}
	mkRec := func(op binlog.Op, info trunk.FullInfo) binlog.Record {
		return binlog.Record{Timestamp: time.Now().Unix(), Op: op, Info: info}
	}

	w, err := binlog.OpenWriter(filepath.Join(e.workDir, "trunk_binlog.dat"))
	require.NoError(t, err)

	matched := mkInfo(1, 0, 4096)
	surviving := mkInfo(1, 4096, 1024)
	require.NoError(t, w.Write(mkRec(binlog.OpAddSpace, matched)))
	require.NoError(t, w.Write(mkRec(binlog.OpDelSpace, matched)))
	require.NoError(t, w.Write(mkRec(binlog.OpAddSpace, surviving)))
	require.NoError(t, w.Close())

	a := e.open(t)
	defer a.Close()

	// every ADD matched by a DEL cancels out
	require.Equal(t, surviving.Size, a.FreeBytes())
}

func TestReplaySkipsDuplicateAdds(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.MkdirAll(e.workDir, 0o755))

	rec := binlog.Record{
		Timestamp: time.Now().Unix(),
		Op:        binlog.OpAddSpace,
		Info: trunk.FullInfo{
			Path:   trunk.PathInfo{SubPathHigh: 1, SubPathLow: 2},
			FileID: 7,
			Offset: 1024,
			Size:   2048,
		},
	}

	w, err := binlog.OpenWriter(filepath.Join(e.workDir, "trunk_binlog.dat"))
	require.NoError(t, err)
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())

	a := e.open(t)
	defer a.Close()

	require.EqualValues(t, 2048, a.FreeBytes())
}

func TestCheckpointRestoreMatchesReplay(t *testing.T) {
	e := newTestEnv(t)
	a := e.open(t)

	var live []trunk.FullInfo
	for i := 0; i < 10; i++ {
		info, err := a.AllocSpace(int64(1000 * (i + 1)))
		require.NoError(t, err)
		require.NoError(t, a.ConfirmAlloc(info, nil))
		live = append(live, info)
	}
	for i := 0; i < len(live); i += 2 {
		require.NoError(t, a.FreeSpace(live[i]))
	}

	want := a.FreeBytes()
	require.NoError(t, a.SaveCheckpoint())
	require.NoError(t, a.Close())

	a = e.open(t)
	require.Equal(t, want, a.FreeBytes())

	// freed slots are already indexed, occupied ones are not
	for i, info := range live {
		if i%2 == 0 {
			require.ErrorIs(t, a.FreeSpace(info), allocator.ErrDuplicateExtent)
		} else {
			require.NoError(t, a.FreeSpace(info))
		}
	}
	require.NoError(t, a.Close())
}

func TestMergeFreeSpacesOnRestore(t *testing.T) {
	e := newTestEnv(t, allocator.WithMergeFreeSpaces(true))
	a := e.open(t)

	var infos []trunk.FullInfo
	for i := 0; i < 3; i++ {
		info, err := a.AllocSpace(4096)
		require.NoError(t, err)
		require.NoError(t, a.ConfirmAlloc(info, nil))
		infos = append(infos, info)
	}
	for _, info := range infos {
		require.NoError(t, a.FreeSpace(info))
	}
	require.NoError(t, a.Close())

	a = e.open(t)
	defer a.Close()

	// adjacent freed slots were coalesced: a request spanning all
	// three is served from their combined extent
	combined := infos[0].Size + infos[1].Size + infos[2].Size
	got, err := a.AllocSpace(combined - trunk.HeaderSize)
	require.NoError(t, err)
	require.Equal(t, infos[0].Offset, got.Offset)
	require.Equal(t, combined, got.Size)
}

func TestAdvanceCreation(t *testing.T) {
	e := newTestEnv(t, allocator.WithAdvanceCreation(2, 0))
	a := e.open(t)
	defer a.Close()

	// pseudo worker pool runs the job synchronously inside Open
	require.EqualValues(t, 2*testTrunkFileSize, a.FreeBytes())

	for id := uint32(1); id <= 2; id++ {
		high, low := trunk.SubPathsForName(trunk.EncodeFileID(id))
		path := trunk.FilePath(e.storePath, trunk.FullInfo{
			Path:   trunk.PathInfo{SubPathHigh: high, SubPathLow: low},
			FileID: id,
		})
		fi, err := os.Stat(path)
		require.NoError(t, err)
		require.EqualValues(t, testTrunkFileSize, fi.Size())
	}
}
