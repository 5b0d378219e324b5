package allocator

import "github.com/fastdfs-go/storagenode/pkg/storagenode/trunk"

// handle refers to a node slot in the arena. The generation guards
// against use of a handle whose slot has been recycled.
type handle struct {
	idx int32
	gen uint32
}

var nilHandle = handle{idx: -1}

func (h handle) valid() bool {
	return h.idx >= 0
}

// node is one free-space extent tracked by the allocator. Nodes of the
// same size form a singly linked chain hanging off a size bucket.
type node struct {
	info   trunk.FullInfo
	status trunk.Status

	next handle // same-size chain

	gen   uint32
	inUse bool
}

// arena is a slab of nodes with an embedded free list. All node
// references go through generation-checked handles, so a stale handle
// never silently aliases a recycled slot.
type arena struct {
	nodes []node
	free  []int32
}

func (a *arena) alloc(info trunk.FullInfo, status trunk.Status) handle {
	var idx int32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.nodes = append(a.nodes, node{})
		idx = int32(len(a.nodes) - 1)
	}

	nd := &a.nodes[idx]
	nd.info = info
	nd.status = status
	nd.next = nilHandle
	nd.inUse = true

	return handle{idx: idx, gen: nd.gen}
}

func (a *arena) release(h handle) {
	nd := a.get(h)
	if nd == nil {
		return
	}
	nd.inUse = false
	nd.gen++
	nd.next = nilHandle
	a.free = append(a.free, h.idx)
}

// get resolves a handle, returning nil for stale or invalid ones.
func (a *arena) get(h handle) *node {
	if h.idx < 0 || int(h.idx) >= len(a.nodes) {
		return nil
	}
	nd := &a.nodes[h.idx]
	if !nd.inUse || nd.gen != h.gen {
		return nil
	}
	return nd
}

func (a *arena) len() int {
	return len(a.nodes) - len(a.free)
}
