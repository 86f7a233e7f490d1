package qp

// reqIDs hands out request ids in FIFO order so a retired id is reused as late
// as possible. It is not safe for concurrent use.
type reqIDs struct {
	free  []uint16
	inUse []bool
	head  int
	avail int
}

func newReqIDs(n int) *reqIDs {
	r := &reqIDs{
		free:  make([]uint16, n),
		inUse: make([]bool, n),
		avail: n,
	}
	for i := range r.free {
		r.free[i] = uint16(i)
	}
	return r
}

func (r *reqIDs) alloc() (uint16, bool) {
	if r.avail == 0 {
		return 0, false
	}
	id := r.free[r.head]
	r.head = (r.head + 1) % len(r.free)
	r.avail--
	r.inUse[id] = true
	return id, true
}

// release returns id to the allocator. Releasing an id that is not in use
// reports false and changes nothing.
func (r *reqIDs) release(id uint16) bool {
	if int(id) >= len(r.inUse) || !r.inUse[id] {
		return false
	}
	r.inUse[id] = false
	tail := (r.head + r.avail) % len(r.free)
	r.free[tail] = id
	r.avail++
	return true
}

func (r *reqIDs) outstanding() int {
	return len(r.free) - r.avail
}
