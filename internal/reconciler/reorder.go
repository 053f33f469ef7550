package reconciler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/tidemark-io/tidemark/config"
	"github.com/tidemark-io/tidemark/internal/schema"
)

// reorderWindow buffers sequenced events per order and releases them in
// sequence order. Events held longer than the lateness tolerance are released
// out of order rather than held forever.
type reorderWindow struct {
	cfg   config.ReorderConfig
	clock func() time.Time

	mu      sync.Mutex
	buffers map[string]*orderBuffer
}

func newReorderWindow(cfg config.ReorderConfig, clock func() time.Time) *reorderWindow {
	if clock == nil {
		clock = time.Now
	}
	return &reorderWindow{
		cfg:     cfg,
		clock:   clock,
		buffers: make(map[string]*orderBuffer),
	}
}

// orderRef keys the window on the order an event refers to.
func orderRef(evt schema.ExchangeEvent) string {
	if evt.ClientID != "" {
		return "c/" + evt.ClientID
	}
	return "x/" + evt.ExchangeID
}

// add inserts the event and returns whatever is ready for delivery. Events
// without a sequence number pass straight through in arrival order.
func (w *reorderWindow) add(evt schema.ExchangeEvent) []schema.ExchangeEvent {
	if evt.Seq == 0 {
		return []schema.ExchangeEvent{evt}
	}

	key := orderRef(evt)
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.buffers[key]
	if !ok {
		buf = &orderBuffer{cfg: w.cfg}
		w.buffers[key] = buf
	}
	ready := buf.add(w.clock(), evt)
	if buf.empty() {
		delete(w.buffers, key)
	}
	return ready
}

// flush releases events that have aged past the lateness tolerance on every
// order buffer.
func (w *reorderWindow) flush(now time.Time) []schema.ExchangeEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	if now.IsZero() {
		now = w.clock()
	}
	var ready []schema.ExchangeEvent
	for key, buf := range w.buffers {
		ready = append(ready, buf.flush(now)...)
		if buf.empty() {
			delete(w.buffers, key)
		}
	}
	return ready
}

// drain releases everything still buffered, in sequence order per buffer.
func (w *reorderWindow) drain() []schema.ExchangeEvent {
	return w.flush(w.clock().Add(1000 * time.Hour))
}

func (w *reorderWindow) depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int
	for _, buf := range w.buffers {
		n += buf.events.Len()
	}
	return n
}

type orderBuffer struct {
	cfg         config.ReorderConfig
	lastEmitted uint64
	events      eventHeap
}

type bufferedEvent struct {
	arrival time.Time
	event   schema.ExchangeEvent
}

type eventHeap []*bufferedEvent

func (b *orderBuffer) add(now time.Time, evt schema.ExchangeEvent) []schema.ExchangeEvent {
	if evt.Seq <= b.lastEmitted {
		return nil
	}
	heap.Push(&b.events, &bufferedEvent{arrival: now, event: evt})
	overflow := b.enforceMax()
	ready := b.releaseContiguous()
	if len(overflow) > 0 {
		ready = append(overflow, ready...)
	}
	return ready
}

func (b *orderBuffer) flush(now time.Time) []schema.ExchangeEvent {
	tolerance := b.cfg.LatenessTolerance
	if tolerance <= 0 {
		tolerance = config.DefaultLateness
	}

	var ready []schema.ExchangeEvent
	for b.events.Len() > 0 {
		be := b.events[0]
		if now.Sub(be.arrival) < tolerance {
			break
		}
		heap.Pop(&b.events)
		if be.event.Seq <= b.lastEmitted {
			continue
		}
		ready = append(ready, be.event)
		b.lastEmitted = be.event.Seq
	}
	if len(ready) == 0 {
		ready = b.releaseContiguous()
	}
	return ready
}

// releaseContiguous emits the run of events directly following the last
// emitted sequence number. A fresh buffer emits from its lowest sequence.
func (b *orderBuffer) releaseContiguous() []schema.ExchangeEvent {
	var ready []schema.ExchangeEvent
	for b.events.Len() > 0 {
		be := b.events[0]
		if b.lastEmitted != 0 && be.event.Seq != b.lastEmitted+1 {
			break
		}
		if b.lastEmitted == 0 && be.event.Seq != 1 {
			break
		}
		heap.Pop(&b.events)
		ready = append(ready, be.event)
		b.lastEmitted = be.event.Seq
	}
	return ready
}

func (b *orderBuffer) empty() bool {
	return b.events.Len() == 0
}

func (b *orderBuffer) enforceMax() []schema.ExchangeEvent {
	maxSize := b.cfg.MaxBufferSize
	if maxSize <= 0 {
		return nil
	}
	var released []schema.ExchangeEvent
	for b.events.Len() > maxSize {
		be := heap.Pop(&b.events).(*bufferedEvent)
		if be.event.Seq <= b.lastEmitted {
			continue
		}
		released = append(released, be.event)
		b.lastEmitted = be.event.Seq
	}
	return released
}

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].event.Seq != h[j].event.Seq {
		return h[i].event.Seq < h[j].event.Seq
	}
	return h[i].arrival.Before(h[j].arrival)
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*bufferedEvent))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}
