package tracker

import "sync"

// DefaultHistoryLimit bounds each channel's occupancy series.
const DefaultHistoryLimit = 1000

// History keeps a running occupancy series per channel. It is diagnostic
// only.
type History struct {
	mu     sync.Mutex
	limit  int
	series map[string][]int
}

// NewHistory creates a History keeping at most limit samples per channel.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	return &History{
		limit:  limit,
		series: make(map[string][]int),
	}
}

// Record appends the previous value plus delta to channelID's series and
// returns it.
func (h *History) Record(channelID string, delta int) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.series[channelID]
	if !ok {
		s = []int{0}
	}

	next := s[len(s)-1] + delta
	s = append(s, next)

	if len(s) > h.limit {
		s = append([]int(nil), s[len(s)-h.limit:]...)
	}

	h.series[channelID] = s

	return next
}

// Series returns a copy of channelID's samples.
func (h *History) Series(channelID string) []int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]int(nil), h.series[channelID]...)
}

// Current returns the latest sample for channelID.
func (h *History) Current(channelID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.series[channelID]
	if len(s) == 0 {
		return 0
	}

	return s[len(s)-1]
}
