package offcache

import (
	"math"
	"sync/atomic"
)

// Outcomes reported in the X-Offcache header and counted by statsCollector.
const (
	outcomeHit         = "hit"
	outcomeMiss        = "miss"
	outcomeBypass      = "bypass"
	outcomeOffline     = "offline"
	outcomePassthrough = "passthrough"
	outcomeBadGateway  = "bad-gateway"
)

type statsCollector struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	bypassed    atomic.Uint64
	offline     atomic.Uint64
	passthrough atomic.Uint64
	failures    atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe counts one response by outcome; bodies served from or into the
// cache also feed the size distribution.
func (s *statsCollector) Observe(outcome string, respBytes int) {
	switch outcome {
	case outcomeHit:
		s.hits.Add(1)
	case outcomeMiss:
		s.misses.Add(1)
	case outcomeBypass:
		s.bypassed.Add(1)
		return
	case outcomeOffline:
		s.offline.Add(1)
	case outcomePassthrough:
		s.passthrough.Add(1)
		return
	case outcomeBadGateway:
		s.failures.Add(1)
		return
	default:
		return
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type StatsSnapshot struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Bypassed    uint64 `json:"bypassed"`
	Offline     uint64 `json:"offline"`
	Passthrough uint64 `json:"passthrough"`
	Failures    uint64 `json:"failures"`

	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	out := StatsSnapshot{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Bypassed:    s.bypassed.Load(),
		Offline:     s.offline.Load(),
		Passthrough: s.passthrough.Load(),
		Failures:    s.failures.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}
