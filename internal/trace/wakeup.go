package trace

// WakeupRecord is a causal edge from the span that issued a wakeup to the
// parked span it woke. End is filled in when the parked span next goes
// on-CPU.
type WakeupRecord struct {
	ID       WakeupID
	WakingID SpanID
	ParkedID SpanID
	Start    float64
	End      float64
	Resolved bool
}

// wakeupIndex keeps every wakeup in arrival order plus the still-open ones
// per parked span.
type wakeupIndex struct {
	all  []*WakeupRecord
	byID map[WakeupID]*WakeupRecord
	open map[SpanID][]*WakeupRecord
}

func newWakeupIndex() *wakeupIndex {
	return &wakeupIndex{
		byID: make(map[WakeupID]*WakeupRecord),
		open: make(map[SpanID][]*WakeupRecord),
	}
}

func (idx *wakeupIndex) nextID() WakeupID {
	id := WakeupID(len(idx.all))
	for {
		if _, ok := idx.byID[id]; !ok {
			return id
		}
		id++
	}
}

func (idx *wakeupIndex) has(id WakeupID) bool {
	_, ok := idx.byID[id]
	return ok
}

func (idx *wakeupIndex) add(w *WakeupRecord) {
	idx.all = append(idx.all, w)
	idx.byID[w.ID] = w
	idx.open[w.ParkedID] = append(idx.open[w.ParkedID], w)
}

// resolve closes every outstanding wakeup of parked at ts and returns how
// many there were.
func (idx *wakeupIndex) resolve(parked SpanID, ts float64) int {
	pending := idx.open[parked]
	for _, w := range pending {
		w.End = ts
		w.Resolved = true
	}
	delete(idx.open, parked)
	return len(pending)
}
