package channel

type receiver interface {
	// receive returns the payloads that became deliverable, in delivery order.
	receive(id uint16, payload []byte, out [][]byte) [][]byte
}

// sequencedReceiver delivers only messages newer than the last one delivered.
type sequencedReceiver struct {
	last    uint16
	started bool
}

func (r *sequencedReceiver) receive(id uint16, payload []byte, out [][]byte) [][]byte {
	if r.started && !seqNewer(id, r.last) {
		return out
	}
	r.started = true
	r.last = id
	return append(out, payload)
}

// unorderedReceiver delivers each message once, on arrival.
type unorderedReceiver struct {
	seen    map[uint16]struct{}
	order   []uint16
	newest  uint16
	started bool
}

func newUnorderedReceiver() *unorderedReceiver {
	return &unorderedReceiver{seen: make(map[uint16]struct{})}
}

func (r *unorderedReceiver) receive(id uint16, payload []byte, out [][]byte) [][]byte {
	if r.started && seqDiff(id, r.newest) < -maxReorderQueue {
		return out // far older than anything we track, must be a stale duplicate
	}
	if _, dup := r.seen[id]; dup {
		return out
	}
	if !r.started || seqNewer(id, r.newest) {
		r.newest = id
		r.started = true
	}

	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > maxReorderQueue {
		delete(r.seen, r.order[0])
		r.order = r.order[1:]
	}
	return append(out, payload)
}

// orderedReceiver delivers messages strictly in ID order, holding early arrivals back.
type orderedReceiver struct {
	next    uint16
	waiting map[uint16][]byte
}

func newOrderedReceiver() *orderedReceiver {
	return &orderedReceiver{waiting: make(map[uint16][]byte)}
}

func (r *orderedReceiver) receive(id uint16, payload []byte, out [][]byte) [][]byte {
	d := seqDiff(id, r.next)
	switch {
	case d < 0:
		return out // already delivered
	case d > 0:
		if d < maxReorderQueue {
			if _, exists := r.waiting[id]; !exists {
				r.waiting[id] = payload
			}
		}
		return out
	}

	out = append(out, payload)
	r.next++
	for {
		p, ok := r.waiting[r.next]
		if !ok {
			return out
		}
		delete(r.waiting, r.next)
		out = append(out, p)
		r.next++
	}
}
