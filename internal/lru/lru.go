// Package lru implements the intrusive doubly-linked LRU rings used by
// a device's free and owned replica sets (component 4.C). Callers embed
// Node in whatever type they are tracking (a replica) and pass *Node to
// every operation. There is no locking: callers must hold the owning
// device's lease before touching a List.
package lru

// Node is the intrusive link embedded in list members. A zero Node is
// not linked into any list. Owner should be set once, at construction
// of the embedding object, to itself: list traversal hands back *Node
// pointers, and Owner is how a caller recovers the containing replica
// without unsafe pointer arithmetic.
type Node struct {
	prev, next *Node
	list       *List
	Owner      interface{}
}

// Linked reports whether n is currently a member of some list.
func (n *Node) Linked() bool {
	return n.list != nil
}

// List is a ring with a sentinel node: sentinel.next is the head
// (oldest), sentinel.prev is the tail (newest).
type List struct {
	sentinel Node
	size     int
}

// New returns an empty, ready-to-use list.
func New() *List {
	l := &List{}
	l.sentinel.next = &l.sentinel
	l.sentinel.prev = &l.sentinel
	return l
}

// Len returns the number of members currently linked.
func (l *List) Len() int {
	return l.size
}

func (l *List) insertAfter(at, n *Node) {
	n.prev = at
	n.next = at.next
	at.next.prev = n
	at.next = n
	n.list = l
	l.size++
}

// PushFIFO appends n at the tail, the newest position in access-time
// order (the position stage_in / free insertion uses).
func (l *List) PushFIFO(n *Node) {
	l.insertAfter(l.sentinel.prev, n)
}

// PushLIFO prepends n at the head, so it is the next one PopFIFO
// returns. Used when a replica must be re-considered before anything
// already waiting (e.g. the eviction scan restores the candidates it
// skipped to the head once the scan ends).
func (l *List) PushLIFO(n *Node) {
	l.insertAfter(&l.sentinel, n)
}

// PopFIFO removes and returns the head (oldest) member, or nil if empty.
func (l *List) PopFIFO() *Node {
	if l.size == 0 {
		return nil
	}
	n := l.sentinel.next
	l.unlink(n)
	return n
}

// Front returns the head member without removing it, or nil if empty.
func (l *List) Front() *Node {
	if l.size == 0 {
		return nil
	}
	return l.sentinel.next
}

func (l *List) unlink(n *Node) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
	n.list = nil
	l.size--
}

// Chop removes a specific member given its node, regardless of
// position. No-op if n is not a member of l.
func (l *List) Chop(n *Node) {
	if n.list != l {
		return
	}
	l.unlink(n)
}

// Contains reports whether n is currently linked into l.
func (l *List) Contains(n *Node) bool {
	return n.list == l
}

// Each calls fn for every member, head to tail. fn must not mutate the
// list; callers that need to remove while iterating should collect
// nodes first.
func (l *List) Each(fn func(*Node)) {
	for n := l.sentinel.next; n != &l.sentinel; n = n.next {
		fn(n)
	}
}
