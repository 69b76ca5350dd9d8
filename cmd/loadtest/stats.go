package main

import (
	"sort"
	"sync"
	"time"
)

type OperationType int

const (
	WriteOperation OperationType = iota
	ReadOperation
)

type Stats struct {
	sync.Mutex
	totalRequests   int64
	successRequests int64
	failedRequests  int64
	totalLatency    time.Duration
	maxLatency      time.Duration
	minLatency      time.Duration
	writeLatencies  []time.Duration
	readLatencies   []time.Duration
}

func (s *Stats) recordSuccess(latency time.Duration, opType OperationType) {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.successRequests++
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}

	switch opType {
	case WriteOperation:
		s.writeLatencies = append(s.writeLatencies, latency)
	case ReadOperation:
		s.readLatencies = append(s.readLatencies, latency)
	}
}

func (s *Stats) recordError() {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.failedRequests++
}

// Summary is a snapshot of the collected numbers.
type Summary struct {
	Total, Success, Failed int64
	Average, Min, Max      time.Duration
	P99Write, P99Read      time.Duration
	PerSecond              float64
}

func (s *Stats) Summary(elapsed time.Duration) Summary {
	s.Lock()
	defer s.Unlock()
	sum := Summary{
		Total:    s.totalRequests,
		Success:  s.successRequests,
		Failed:   s.failedRequests,
		Min:      s.minLatency,
		Max:      s.maxLatency,
		P99Write: percentile(s.writeLatencies, 0.99),
		P99Read:  percentile(s.readLatencies, 0.99),
	}
	if s.successRequests > 0 {
		sum.Average = s.totalLatency / time.Duration(s.successRequests)
	}
	if elapsed > 0 {
		sum.PerSecond = float64(s.totalRequests) / elapsed.Seconds()
	}
	return sum
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// pendingSends remembers when each sent text left the client.
type pendingSends struct {
	mu    sync.Mutex
	start map[string]time.Time
}

func newPendingSends() *pendingSends {
	return &pendingSends{start: make(map[string]time.Time)}
}

func (p *pendingSends) put(text string, at time.Time) {
	p.mu.Lock()
	p.start[text] = at
	p.mu.Unlock()
}

func (p *pendingSends) take(text string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.start[text]
	delete(p.start, text)
	return at, ok
}
