package allocator

import (
	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk"
	"github.com/google/btree"
)

const indexDegree = 32

// sizeBucket groups free nodes of one exact size. Nodes are chained
// LIFO so recently freed space is reused first.
type sizeBucket struct {
	size int64
	head handle
}

func (b *sizeBucket) Less(than btree.Item) bool {
	return b.size < than.(*sizeBucket).size
}

// extentItem places a node in the global extent order: store path, then
// file id, then offset. The order matches the checkpoint dump and makes
// overlap checks a matter of looking at the two neighbours.
type extentItem struct {
	path   trunk.PathInfo
	fileID uint32
	offset int64

	h handle
}

func extentKey(info trunk.FullInfo) *extentItem {
	return &extentItem{
		path:   info.Path,
		fileID: info.FileID,
		offset: info.Offset,
	}
}

func (e *extentItem) Less(than btree.Item) bool {
	o := than.(*extentItem)
	if e.path.StorePathIndex != o.path.StorePathIndex {
		return e.path.StorePathIndex < o.path.StorePathIndex
	}
	if e.fileID != o.fileID {
		return e.fileID < o.fileID
	}
	return e.offset < o.offset
}

func (e *extentItem) sameFile(o *extentItem) bool {
	return e.path == o.path && e.fileID == o.fileID
}

// index is the in-memory free space catalogue: a size-ordered tree for
// best-fit lookups and an extent-ordered tree for duplicate and overlap
// detection.
type index struct {
	arena   arena
	sizes   *btree.BTree
	extents *btree.BTree
}

func newIndex() *index {
	return &index{
		sizes:   btree.New(indexDegree),
		extents: btree.New(indexDegree),
	}
}

// insert adds a node for info. It must not already be present; callers
// check with lookup first.
func (x *index) insert(info trunk.FullInfo, status trunk.Status) handle {
	h := x.arena.alloc(info, status)

	key := extentKey(info)
	key.h = h
	x.extents.ReplaceOrInsert(key)

	probe := &sizeBucket{size: info.Size}
	if it := x.sizes.Get(probe); it != nil {
		b := it.(*sizeBucket)
		x.arena.get(h).next = b.head
		b.head = h
	} else {
		probe.head = h
		x.sizes.ReplaceOrInsert(probe)
	}

	return h
}

// lookup finds the node occupying exactly the extent start of info.
func (x *index) lookup(info trunk.FullInfo) (handle, *node) {
	it := x.extents.Get(extentKey(info))
	if it == nil {
		return nilHandle, nil
	}
	h := it.(*extentItem).h
	return h, x.arena.get(h)
}

// overlaps reports whether the extent of info intersects any indexed
// node of the same trunk file.
func (x *index) overlaps(info trunk.FullInfo) bool {
	key := extentKey(info)

	var clash bool
	x.extents.DescendLessOrEqual(key, func(it btree.Item) bool {
		e := it.(*extentItem)
		if !e.sameFile(key) {
			return false
		}
		nd := x.arena.get(e.h)
		clash = nd != nil && nd.info.End() > info.Offset
		return false
	})
	if clash {
		return true
	}

	x.extents.AscendGreaterOrEqual(key, func(it btree.Item) bool {
		e := it.(*extentItem)
		if !e.sameFile(key) {
			return false
		}
		if e.offset == key.offset { // self
			return true
		}
		clash = e.offset < info.End()
		return false
	})
	return clash
}

// findFree returns the smallest free node with size >= want, skipping
// held nodes.
func (x *index) findFree(want int64) (handle, *node) {
	found, fh := (*node)(nil), nilHandle

	x.sizes.AscendGreaterOrEqual(&sizeBucket{size: want}, func(it btree.Item) bool {
		b := it.(*sizeBucket)
		for h := b.head; h.valid(); {
			nd := x.arena.get(h)
			if nd == nil {
				break
			}
			if nd.status == trunk.StatusFree {
				found, fh = nd, h
				return false
			}
			h = nd.next
		}
		return true
	})

	return fh, found
}

// remove unlinks the node from both trees and recycles its slot.
func (x *index) remove(h handle) {
	nd := x.arena.get(h)
	if nd == nil {
		return
	}

	x.extents.Delete(extentKey(nd.info))

	probe := &sizeBucket{size: nd.info.Size}
	if it := x.sizes.Get(probe); it != nil {
		b := it.(*sizeBucket)
		if b.head == h {
			b.head = nd.next
		} else {
			for cur := b.head; cur.valid(); {
				c := x.arena.get(cur)
				if c == nil {
					break
				}
				if c.next == h {
					c.next = nd.next
					break
				}
				cur = c.next
			}
		}
		if !b.head.valid() {
			x.sizes.Delete(probe)
		}
	}

	x.arena.release(h)
}

// walkExtents visits every node in extent order. The callback must not
// mutate the index.
func (x *index) walkExtents(fn func(*node) bool) {
	x.extents.Ascend(func(it btree.Item) bool {
		nd := x.arena.get(it.(*extentItem).h)
		if nd == nil {
			return true
		}
		return fn(nd)
	})
}

func (x *index) count() int {
	return x.arena.len()
}
