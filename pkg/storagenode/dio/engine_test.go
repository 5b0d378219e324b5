package dio_test

import (
	"hash/crc32"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fastdfs-go/storagenode/pkg/storagenode/dio"
	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, storePath string, opts ...dio.Option) *dio.Engine {
	e := dio.New(append([]dio.Option{
		dio.WithStorePaths([]string{storePath}),
		dio.WithChunkSize(1024),
	}, opts...)...)
	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)
	return e
}

// writeNotifier feeds a payload to a write task chunk by chunk and
// reports completion.
type writeNotifier struct {
	eng     *dio.Engine
	payload []byte
	pos     int
	done    chan error
}

func newWriteNotifier(eng *dio.Engine, payload []byte) *writeNotifier {
	return &writeNotifier{eng: eng, payload: payload, done: make(chan error, 1)}
}

func (n *writeNotifier) next(chunkSize int) []byte {
	end := n.pos + chunkSize
	if end > len(n.payload) {
		end = len(n.payload)
	}
	chunk := n.payload[n.pos:end]
	n.pos = end
	return chunk
}

func (n *writeNotifier) Continue(fc *dio.FileContext) {
	fc.Buf = n.next(1024)
	if err := n.eng.Submit(fc); err != nil {
		n.done <- err
	}
}

func (n *writeNotifier) Done(_ *dio.FileContext, err error) {
	n.done <- err
}

func (n *writeNotifier) submit(t *testing.T, fc *dio.FileContext) error {
	fc.Notifier = n
	fc.Buf = n.next(1024)
	require.NoError(t, n.eng.Submit(fc))

	select {
	case err := <-n.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("file task timed out")
		return nil
	}
}

// readNotifier collects streamed chunks.
type readNotifier struct {
	eng  *dio.Engine
	got  []byte
	done chan error
}

func newReadNotifier(eng *dio.Engine) *readNotifier {
	return &readNotifier{eng: eng, done: make(chan error, 1)}
}

func (n *readNotifier) Continue(fc *dio.FileContext) {
	n.got = append(n.got, fc.Buf...)
	if err := n.eng.Submit(fc); err != nil {
		n.done <- err
	}
}

func (n *readNotifier) Done(fc *dio.FileContext, err error) {
	if err == nil {
		n.got = append(n.got, fc.Buf...)
	}
	n.done <- err
}

func (n *readNotifier) submit(t *testing.T, fc *dio.FileContext) error {
	fc.Notifier = n
	require.NoError(t, n.eng.Submit(fc))

	select {
	case err := <-n.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("read task timed out")
		return nil
	}
}

func randomPayload(t *testing.T, n int) []byte {
	p := make([]byte, n)
	_, err := rand.New(rand.NewSource(42)).Read(p)
	require.NoError(t, err)
	return p
}

func TestUploadRegularFile(t *testing.T) {
	store := t.TempDir()
	eng := newTestEngine(t, store)

	payload := randomPayload(t, 10_000)
	path := filepath.Join(store, "upload.dat")

	n := newWriteNotifier(eng, payload)
	fc := &dio.FileContext{
		Op:      dio.OpWrite,
		ConnID:  7,
		Path:    path,
		End:     int64(len(payload)),
		Cleanup: dio.CleanupUnlink,
	}
	require.NoError(t, n.submit(t, fc))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Equal(t, crc32.ChecksumIEEE(payload), fc.CRC32)
}

func TestUploadOpenFailureCleanup(t *testing.T) {
	store := t.TempDir()
	eng := newTestEngine(t, store)

	n := newWriteNotifier(eng, []byte("payload"))
	fc := &dio.FileContext{
		Op:      dio.OpWrite,
		ConnID:  1,
		Path:    filepath.Join(store, "no", "such", "dir", "f.dat"),
		End:     7,
		Cleanup: dio.CleanupUnlink,
	}
	err := n.submit(t, fc)
	require.Error(t, err)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestReadPastEndFails(t *testing.T) {
	store := t.TempDir()
	eng := newTestEngine(t, store)

	path := filepath.Join(store, "short.dat")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	n := newReadNotifier(eng)
	err := n.submit(t, &dio.FileContext{
		Op:     dio.OpRead,
		ConnID: 1,
		Path:   path,
		End:    100,
	})
	require.Error(t, err)
}

func TestTrunkSlotLifecycle(t *testing.T) {
	store := t.TempDir()
	eng := newTestEngine(t, store)

	const payloadLen = 4096

	high, low := trunk.SubPathsForName(trunk.EncodeFileID(1))
	slot := trunk.FullInfo{
		Path:   trunk.PathInfo{SubPathHigh: high, SubPathLow: low},
		FileID: 1,
		Offset: 0,
		Size:   payloadLen + trunk.HeaderSize,
	}

	require.NoError(t, os.MkdirAll(trunk.SubDirPath(store, slot.Path), 0o755))
	trunkPath := trunk.FilePath(store, slot)
	require.NoError(t, os.WriteFile(trunkPath, make([]byte, 64<<10), 0o644))

	payload := randomPayload(t, payloadLen)

	upload := func() (*dio.FileContext, error) {
		n := newWriteNotifier(eng, payload)
		fc := &dio.FileContext{
			Op:      dio.OpWrite,
			ConnID:  3,
			Trunk:   &slot,
			Header:  &trunk.Header{FileType: trunk.FileTypeRegular, FileSize: payloadLen, ExtName: "dat"},
			Start:   slot.Offset + trunk.HeaderSize,
			Offset:  slot.Offset + trunk.HeaderSize,
			End:     slot.Offset + trunk.HeaderSize + payloadLen,
			Cleanup: dio.CleanupTrunkSlot,
		}
		return fc, n.submit(t, fc)
	}

	fc, err := upload()
	require.NoError(t, err)

	raw, err := os.ReadFile(trunkPath)
	require.NoError(t, err)

	hdr, err := trunk.UnmarshalHeader(raw[slot.Offset:])
	require.NoError(t, err)
	require.Equal(t, trunk.FileTypeRegular, hdr.FileType)
	require.EqualValues(t, payloadLen, hdr.FileSize)
	require.Equal(t, slot.Size, hdr.AllocSize)
	require.Equal(t, crc32.ChecksumIEEE(payload), hdr.CRC32)
	require.Equal(t, "dat", hdr.ExtName)
	require.Equal(t, fc.CRC32, hdr.CRC32)
	require.False(t, trunk.HeaderBytesFree(raw[slot.Offset:]))
	require.Equal(t, payload, raw[slot.Offset+trunk.HeaderSize:slot.End()])

	// a second upload into the occupied slot trips the guard
	_, err = upload()
	require.ErrorIs(t, err, fs.ErrExist)

	// the occupied slot was not clobbered by the failed attempt
	raw, err = os.ReadFile(trunkPath)
	require.NoError(t, err)
	require.Equal(t, payload, raw[slot.Offset+trunk.HeaderSize:slot.End()])

	// stream the slot back
	rn := newReadNotifier(eng)
	require.NoError(t, rn.submit(t, &dio.FileContext{
		Op:     dio.OpRead,
		ConnID: 4,
		Trunk:  &slot,
		Start:  slot.Offset + trunk.HeaderSize,
		Offset: slot.Offset + trunk.HeaderSize,
		End:    slot.Offset + trunk.HeaderSize + payloadLen,
	}))
	require.Equal(t, payload, rn.got)

	// clear the slot
	dn := newWriteNotifier(eng, nil)
	require.NoError(t, dn.submit(t, &dio.FileContext{
		Op:     dio.OpDelete,
		ConnID: 3,
		Trunk:  &slot,
	}))

	raw, err = os.ReadFile(trunkPath)
	require.NoError(t, err)
	require.True(t, trunk.HeaderBytesFree(raw[slot.Offset:]))

	cleared, err := trunk.UnmarshalHeader(raw[slot.Offset:])
	require.NoError(t, err)
	require.Equal(t, slot.Size, cleared.AllocSize)
	require.Equal(t, make([]byte, payloadLen), raw[slot.Offset+trunk.HeaderSize:slot.End()])

	// the slot is usable again
	_, err = upload()
	require.NoError(t, err)
}

// abortNotifier cancels its task instead of feeding the next chunk,
// as the network layer does when the connection drops.
type abortNotifier struct {
	eng  *dio.Engine
	done chan error
}

func (n *abortNotifier) Continue(fc *dio.FileContext) {
	if err := n.eng.Abort(fc); err != nil {
		n.done <- err
	}
}

func (n *abortNotifier) Done(_ *dio.FileContext, err error) {
	n.done <- err
}

func (n *abortNotifier) submit(t *testing.T, fc *dio.FileContext) error {
	fc.Notifier = n
	require.NoError(t, n.eng.Submit(fc))

	select {
	case err := <-n.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("aborted task timed out")
		return nil
	}
}

func TestAbortUnlinksPartialUpload(t *testing.T) {
	store := t.TempDir()
	eng := newTestEngine(t, store)

	payload := randomPayload(t, 10_000)
	path := filepath.Join(store, "upload.dat")

	n := &abortNotifier{eng: eng, done: make(chan error, 1)}
	err := n.submit(t, &dio.FileContext{
		Op:      dio.OpWrite,
		ConnID:  5,
		Path:    path,
		End:     int64(len(payload)),
		Buf:     payload[:1024],
		Cleanup: dio.CleanupUnlink,
	})
	require.ErrorIs(t, err, dio.ErrAborted)

	// the first chunk made it to disk, the abort removed it
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestAbortTruncatesPartialAppend(t *testing.T) {
	store := t.TempDir()
	eng := newTestEngine(t, store)

	path := filepath.Join(store, "appender.dat")
	require.NoError(t, os.WriteFile(path, make([]byte, 5000), 0o644))

	n := &abortNotifier{eng: eng, done: make(chan error, 1)}
	err := n.submit(t, &dio.FileContext{
		Op:      dio.OpAppend,
		ConnID:  6,
		Path:    path,
		Start:   5000,
		Offset:  5000,
		End:     8000,
		Buf:     make([]byte, 1024),
		Cleanup: dio.CleanupTruncate,
	})
	require.ErrorIs(t, err, dio.ErrAborted)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 5000, fi.Size())
}

func TestTrunkWriteWaitsForPreallocation(t *testing.T) {
	store := t.TempDir()
	eng := newTestEngine(t, store)

	const payloadLen = 1000

	high, low := trunk.SubPathsForName(trunk.EncodeFileID(2))
	slot := trunk.FullInfo{
		Path:   trunk.PathInfo{SubPathHigh: high, SubPathLow: low},
		FileID: 2,
		Offset: 0,
		Size:   payloadLen + trunk.HeaderSize,
	}

	require.NoError(t, os.MkdirAll(trunk.SubDirPath(store, slot.Path), 0o755))
	path := trunk.FilePath(store, slot)
	require.NoError(t, os.WriteFile(path, make([]byte, 10), 0o644))

	// preallocation finishes while the upload is already queued
	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = os.Truncate(path, 64<<10)
	}()

	payload := randomPayload(t, payloadLen)
	n := newWriteNotifier(eng, payload)
	require.NoError(t, n.submit(t, &dio.FileContext{
		Op:      dio.OpWrite,
		ConnID:  8,
		Trunk:   &slot,
		Header:  &trunk.Header{FileType: trunk.FileTypeRegular, FileSize: payloadLen},
		Start:   slot.Offset + trunk.HeaderSize,
		Offset:  slot.Offset + trunk.HeaderSize,
		End:     slot.Offset + trunk.HeaderSize + payloadLen,
		Cleanup: dio.CleanupTrunkSlot,
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, raw[slot.Offset+trunk.HeaderSize:slot.End()])
}

type orderNotifier struct {
	mu   sync.Mutex
	seen map[uint64][]int
	wg   *sync.WaitGroup
}

func (n *orderNotifier) Continue(*dio.FileContext) {}

func (n *orderNotifier) Done(fc *dio.FileContext, err error) {
	n.mu.Lock()
	n.seen[fc.ConnID] = append(n.seen[fc.ConnID], fc.UserData.(int))
	n.mu.Unlock()
	n.wg.Done()
}

func TestPerConnectionOrdering(t *testing.T) {
	store := t.TempDir()
	eng := newTestEngine(t, store, dio.WithWriterCount(8))

	const (
		conns       = 50
		tasksPerCon = 20
	)

	var wg sync.WaitGroup
	n := &orderNotifier{seen: make(map[uint64][]int), wg: &wg}

	wg.Add(conns * tasksPerCon)
	for seq := 0; seq < tasksPerCon; seq++ {
		for conn := uint64(0); conn < conns; conn++ {
			require.NoError(t, eng.Submit(&dio.FileContext{
				Op:       dio.OpDiscard,
				ConnID:   conn,
				UserData: seq,
				Notifier: n,
			}))
		}
	}
	wg.Wait()

	for conn, seqs := range n.seen {
		require.Len(t, seqs, tasksPerCon)
		for i, s := range seqs {
			require.Equal(t, i, s, "conn %d executed out of order", conn)
		}
	}
}

func TestDiscardConsumesPayload(t *testing.T) {
	store := t.TempDir()
	eng := newTestEngine(t, store)

	n := newWriteNotifier(eng, make([]byte, 2500))
	require.NoError(t, n.submit(t, &dio.FileContext{
		Op:      dio.OpDiscard,
		ConnID:  9,
		End:     2500,
		Cleanup: dio.CleanupNone,
	}))

	// nothing was written anywhere
	entries, err := os.ReadDir(store)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestTruncate(t *testing.T) {
	store := t.TempDir()
	eng := newTestEngine(t, store)

	path := filepath.Join(store, "appender.dat")
	require.NoError(t, os.WriteFile(path, make([]byte, 5000), 0o644))

	n := newWriteNotifier(eng, nil)
	require.NoError(t, n.submit(t, &dio.FileContext{
		Op:     dio.OpTruncate,
		ConnID: 2,
		Path:   path,
		End:    1234,
	}))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 1234, fi.Size())
}

func TestEngineStop(t *testing.T) {
	store := t.TempDir()
	eng := dio.New(dio.WithStorePaths([]string{store}))
	require.NoError(t, eng.Start())
	require.Positive(t, eng.LiveWorkers())

	eng.Stop()
	require.Zero(t, eng.LiveWorkers())

	err := eng.Submit(&dio.FileContext{Op: dio.OpDiscard})
	require.ErrorIs(t, err, dio.ErrStopped)
}
