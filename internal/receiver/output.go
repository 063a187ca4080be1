package receiver

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/airstream/internal/media"
)

// outputHub is the fan-out point for reassembled media: NAL unit taps
// (resenders) and access-unit subscribers (decoders, recorders). Delivery
// is non-blocking; a subscriber that falls behind loses data rather than
// stalling the pipeline.
type outputHub struct {
	log *slog.Logger

	mu      sync.RWMutex
	nextID  int
	naluSub map[int]chan media.NALUnit
	auSub   map[int]chan *media.AccessUnit

	naluDrops atomic.Uint64
	auDrops   atomic.Uint64
}

func newOutputHub(log *slog.Logger) *outputHub {
	return &outputHub{
		log:     log.With("component", "output"),
		naluSub: make(map[int]chan media.NALUnit),
		auSub:   make(map[int]chan *media.AccessUnit),
	}
}

// subscribeNALU registers a NAL unit tap. The returned cancel func
// unregisters and closes the channel.
func (h *outputHub) subscribeNALU(buffer int) (<-chan media.NALUnit, func()) {
	if buffer <= 0 {
		buffer = media.NALUBufferSize
	}
	ch := make(chan media.NALUnit, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.naluSub[id] = ch
	h.mu.Unlock()

	h.log.Debug("nalu subscriber added", "id", id)
	return ch, func() {
		h.mu.Lock()
		if _, ok := h.naluSub[id]; ok {
			delete(h.naluSub, id)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// subscribeAU registers an access-unit subscriber.
func (h *outputHub) subscribeAU(buffer int) (<-chan *media.AccessUnit, func()) {
	if buffer <= 0 {
		buffer = media.AUBufferSize
	}
	ch := make(chan *media.AccessUnit, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.auSub[id] = ch
	h.mu.Unlock()

	h.log.Debug("au subscriber added", "id", id)
	return ch, func() {
		h.mu.Lock()
		if _, ok := h.auSub[id]; ok {
			delete(h.auSub, id)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// publishNALU delivers to every tap. Subscribers share n.Data read-only.
func (h *outputHub) publishNALU(n media.NALUnit) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.naluSub {
		select {
		case ch <- n:
		default:
			h.naluDrops.Add(1)
			h.log.Debug("nalu dropped, subscriber behind", "id", id)
		}
	}
}

// publishAU delivers to every subscriber. Subscribers share the access
// unit read-only.
func (h *outputHub) publishAU(au *media.AccessUnit) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.auSub {
		select {
		case ch <- au:
		default:
			h.auDrops.Add(1)
			h.log.Debug("access unit dropped, subscriber behind", "id", id)
		}
	}
}

// closeAll unregisters every subscriber.
func (h *outputHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.naluSub {
		delete(h.naluSub, id)
		close(ch)
	}
	for id, ch := range h.auSub {
		delete(h.auSub, id)
		close(ch)
	}
}
