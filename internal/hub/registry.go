package hub

// registry holds one-shot callbacks grouped by key. It is owned by the hub
// loop and is not safe for concurrent use.
type registry[K comparable] struct {
	next  uint64
	byKey map[K]map[uint64]func()
	order map[K][]uint64
}

func newRegistry[K comparable]() *registry[K] {
	return &registry[K]{
		byKey: make(map[K]map[uint64]func()),
		order: make(map[K][]uint64),
	}
}

// add registers fn under key and returns a cancel func.
func (r *registry[K]) add(key K, fn func()) (cancel func()) {
	r.next++
	id := r.next
	if r.byKey[key] == nil {
		r.byKey[key] = make(map[uint64]func())
	}
	r.byKey[key][id] = fn
	r.order[key] = append(r.order[key], id)
	return func() {
		subs := r.byKey[key]
		if subs == nil {
			return
		}
		delete(subs, id)
		if len(subs) == 0 {
			delete(r.byKey, key)
			delete(r.order, key)
		}
	}
}

// take removes and returns every callback under key in registration order.
func (r *registry[K]) take(key K) []func() {
	subs := r.byKey[key]
	ids := r.order[key]
	delete(r.byKey, key)
	delete(r.order, key)
	out := make([]func(), 0, len(subs))
	for _, id := range ids {
		if fn, ok := subs[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (r *registry[K]) count(key K) int {
	return len(r.byKey[key])
}
