package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector accumulates relay counters. All methods are safe for
// concurrent use; hot-path increments are lock-free.
type Collector struct {
	startTime time.Time

	totalRequests      atomic.Int64
	streamingRequests  atomic.Int64
	activeRequests     atomic.Int64
	ignoredTriggers    atomic.Int64
	engineRuns         atomic.Int64
	attempts           atomic.Int64
	continuations      atomic.Int64
	markerFound        atomic.Int64
	maxAttemptsReached atomic.Int64
	upstreamErrors     atomic.Int64

	mu           sync.RWMutex
	byProtocol   map[string]int64
	errorsByCode map[int]int64
}

// NewCollector creates a Collector.
func NewCollector() *Collector {
	return &Collector{
		startTime:    time.Now(),
		byProtocol:   make(map[string]int64),
		errorsByCode: make(map[int]int64),
	}
}

// IncrementActive marks a request in flight.
func (c *Collector) IncrementActive() {
	c.activeRequests.Add(1)
}

// DecrementActive marks a request finished.
func (c *Collector) DecrementActive() {
	c.activeRequests.Add(-1)
}

// RecordRequest records one completed relay request.
func (c *Collector) RecordRequest(protocol string, streaming, antiTruncation bool, statusCode int) {
	c.totalRequests.Add(1)
	if streaming {
		c.streamingRequests.Add(1)
	}

	c.mu.Lock()
	c.byProtocol[protocol]++
	if statusCode >= 400 {
		c.errorsByCode[statusCode]++
	}
	c.mu.Unlock()
}

// RecordIgnored counts a trigger present on a non-streaming request.
func (c *Collector) RecordIgnored() {
	c.ignoredTriggers.Add(1)
}

// RecordEngineRun counts one anti-truncation run.
func (c *Collector) RecordEngineRun() {
	c.engineRuns.Add(1)
}

// RecordAttempt counts one upstream attempt; continuation marks attempts
// after the first.
func (c *Collector) RecordAttempt(continuation bool) {
	c.attempts.Add(1)
	if continuation {
		c.continuations.Add(1)
	}
}

// RecordMarkerFound counts a run that observed the completion sentinel.
func (c *Collector) RecordMarkerFound() {
	c.markerFound.Add(1)
}

// RecordMaxAttemptsReached counts a run that exhausted its attempt bound.
func (c *Collector) RecordMaxAttemptsReached() {
	c.maxAttemptsReached.Add(1)
}

// RecordUpstreamError counts an upstream connect or stream failure.
func (c *Collector) RecordUpstreamError() {
	c.upstreamErrors.Add(1)
}

// Stats is a point-in-time snapshot of all counters.
type Stats struct {
	TotalRequests      int64
	StreamingRequests  int64
	ActiveRequests     int64
	IgnoredTriggers    int64
	EngineRuns         int64
	Attempts           int64
	Continuations      int64
	MarkerFound        int64
	MaxAttemptsReached int64
	UpstreamErrors     int64
	ByProtocol         map[string]int64
	ErrorsByCode       map[int]int64
}

// Stats returns a consistent snapshot.
func (c *Collector) Stats() Stats {
	s := Stats{
		TotalRequests:      c.totalRequests.Load(),
		StreamingRequests:  c.streamingRequests.Load(),
		ActiveRequests:     c.activeRequests.Load(),
		IgnoredTriggers:    c.ignoredTriggers.Load(),
		EngineRuns:         c.engineRuns.Load(),
		Attempts:           c.attempts.Load(),
		Continuations:      c.continuations.Load(),
		MarkerFound:        c.markerFound.Load(),
		MaxAttemptsReached: c.maxAttemptsReached.Load(),
		UpstreamErrors:     c.upstreamErrors.Load(),
		ByProtocol:         make(map[string]int64),
		ErrorsByCode:       make(map[int]int64),
	}

	c.mu.RLock()
	for k, v := range c.byProtocol {
		s.ByProtocol[k] = v
	}
	for k, v := range c.errorsByCode {
		s.ErrorsByCode[k] = v
	}
	c.mu.RUnlock()

	return s
}
