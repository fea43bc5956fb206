package stream

// NBSort bounds the window the periodic partial resort touches, per
// the original's NB_SORT constant (supplemented feature 4).
const NBSort = 10

// PendingFIFO is the priority-ordered queue of task envelopes waiting
// for a ring slot. Insertion keeps the slice sorted by descending
// priority, stable among equal priorities (§4.D: "insertion is
// priority-ordered merge").
type PendingFIFO struct {
	items  []Task
	cursor int
}

// NewPendingFIFO returns an empty pending queue.
func NewPendingFIFO() *PendingFIFO {
	return &PendingFIFO{}
}

// Len returns the number of waiting envelopes.
func (p *PendingFIFO) Len() int { return len(p.items) }

// PriorityInsert inserts task at the position that keeps the slice
// sorted by descending StreamPriority, after every existing entry of
// equal priority (FIFO among ties).
func (p *PendingFIFO) PriorityInsert(task Task) {
	pr := task.StreamPriority()
	i := 0
	for i < len(p.items) && p.items[i].StreamPriority() >= pr {
		i++
	}
	p.items = append(p.items, nil)
	copy(p.items[i+1:], p.items[i:])
	p.items[i] = task
}

// PushFront re-queues task ahead of everything else, used when a
// transient submit failure must be retried before any other pending
// work (§4.D step 2, §4.G.3's victim-pushback wording).
func (p *PendingFIFO) PushFront(task Task) {
	p.items = append([]Task{task}, p.items...)
}

// PopFront removes and returns the head entry, or nil.
func (p *PendingFIFO) PopFront() Task {
	if len(p.items) == 0 {
		return nil
	}
	task := p.items[0]
	p.items = p.items[1:]
	if p.cursor > 0 {
		p.cursor--
	}
	return task
}

// ResortWindow re-sorts a bounded window of up to NBSort entries
// starting at the remembered cursor, by descending priority, then
// advances the cursor past the window (wrapping to 0), matching the
// original's windowed insertion-sort resort rather than a full sort on
// every pop attempt.
func (p *PendingFIFO) ResortWindow() {
	n := len(p.items)
	if n == 0 {
		return
	}
	if p.cursor >= n {
		p.cursor = 0
	}
	end := p.cursor + NBSort
	if end > n {
		end = n
	}
	window := p.items[p.cursor:end]
	for i := 1; i < len(window); i++ {
		v := window[i]
		j := i - 1
		for j >= 0 && window[j].StreamPriority() < v.StreamPriority() {
			window[j+1] = window[j]
			j--
		}
		window[j+1] = v
	}
	p.cursor = end
	if p.cursor >= n {
		p.cursor = 0
	}
}
