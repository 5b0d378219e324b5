package allocator

import (
	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk"
	"github.com/google/btree"
	"go.uber.org/zap"
)

// spaceBuilder accumulates the surviving free extents during restore.
// It is an extent-ordered staging tree: ADD records insert, DEL records
// remove, and whatever remains at the end is the free space. Replay is
// tolerant of inconsistencies left by crashes, so duplicates and
// unmatched deletes are warned about and counted, never fatal.
type spaceBuilder struct {
	tree *btree.BTree
	a    *Allocator
}

type builderItem struct {
	info trunk.FullInfo
}

func (b *builderItem) Less(than btree.Item) bool {
	o := than.(*builderItem)
	if b.info.Path.StorePathIndex != o.info.Path.StorePathIndex {
		return b.info.Path.StorePathIndex < o.info.Path.StorePathIndex
	}
	if b.info.FileID != o.info.FileID {
		return b.info.FileID < o.info.FileID
	}
	return b.info.Offset < o.info.Offset
}

func (a *Allocator) newSpaceBuilder() *spaceBuilder {
	return &spaceBuilder{
		tree: btree.New(indexDegree),
		a:    a,
	}
}

func (b *spaceBuilder) add(info trunk.FullInfo) {
	it := &builderItem{info: info}
	if prev := b.tree.Get(it); prev != nil {
		b.a.metrics.duplicateInserts.Inc()
		b.a.log.Warn("duplicate free extent in trunk history",
			zap.Stringer("extent", info),
			zap.Stringer("existing", prev.(*builderItem).info))
		return
	}
	b.tree.ReplaceOrInsert(it)
}

func (b *spaceBuilder) remove(info trunk.FullInfo) {
	it := b.tree.Get(&builderItem{info: info})
	if it == nil {
		b.a.log.Warn("delete of unknown free extent in trunk history",
			zap.Stringer("extent", info))
		return
	}
	if got := it.(*builderItem).info; !got.Equal(info) {
		b.a.log.Warn("delete size mismatch in trunk history",
			zap.Stringer("extent", info), zap.Stringer("indexed", got))
	}
	b.tree.Delete(it)
}

// sorted returns the surviving extents in extent order.
func (b *spaceBuilder) sorted() []trunk.FullInfo {
	out := make([]trunk.FullInfo, 0, b.tree.Len())
	b.tree.Ascend(func(it btree.Item) bool {
		out = append(out, it.(*builderItem).info)
		return true
	})
	return out
}
