package metrics

import "sync/atomic"

// Metrics captures operational counters for the call pipeline.
type Metrics struct {
	events      atomic.Int64
	parseErrors atomic.Int64
	rings       atomic.Int64
	answers     atomic.Int64
	ended       atomic.Int64

	opens          atomic.Int64
	openFailures   atomic.Int64
	openSuppressed atomic.Int64

	connects    atomic.Int64
	disconnects atomic.Int64

	activeCalls  atomic.Int64
	dedupEntries atomic.Int64
}

// Snapshot provides a consistent view of the current metrics.
type Snapshot struct {
	Events         int64 `json:"events"`
	ParseErrors    int64 `json:"parse_errors"`
	Rings          int64 `json:"rings"`
	Answers        int64 `json:"answers"`
	Ended          int64 `json:"ended"`
	Opens          int64 `json:"opens"`
	OpenFailures   int64 `json:"open_failures"`
	OpenSuppressed int64 `json:"open_suppressed"`
	Connects       int64 `json:"connects"`
	Disconnects    int64 `json:"disconnects"`
	ActiveCalls    int64 `json:"active_calls"`
	DedupEntries   int64 `json:"dedup_entries"`
}

// New creates a zeroed Metrics instance.
func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncEvents()      { m.events.Add(1) }
func (m *Metrics) IncParseErrors() { m.parseErrors.Add(1) }
func (m *Metrics) IncRings()       { m.rings.Add(1) }
func (m *Metrics) IncAnswers()     { m.answers.Add(1) }
func (m *Metrics) IncEnded()       { m.ended.Add(1) }
func (m *Metrics) IncConnects()    { m.connects.Add(1) }
func (m *Metrics) IncDisconnects() { m.disconnects.Add(1) }

// RecordOpen counts a finished browser open.
func (m *Metrics) RecordOpen(err error) {
	m.opens.Add(1)
	if err != nil {
		m.openFailures.Add(1)
	}
}

// IncOpenSuppressed counts opens skipped by dedup, rate limit or a full queue.
func (m *Metrics) IncOpenSuppressed() { m.openSuppressed.Add(1) }

// UpdateGauges records the current tracked-call and dedup-entry counts.
func (m *Metrics) UpdateGauges(activeCalls, dedupEntries int) {
	m.activeCalls.Store(int64(activeCalls))
	m.dedupEntries.Store(int64(dedupEntries))
}

// Snapshot returns a read-only view of metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Events:         m.events.Load(),
		ParseErrors:    m.parseErrors.Load(),
		Rings:          m.rings.Load(),
		Answers:        m.answers.Load(),
		Ended:          m.ended.Load(),
		Opens:          m.opens.Load(),
		OpenFailures:   m.openFailures.Load(),
		OpenSuppressed: m.openSuppressed.Load(),
		Connects:       m.connects.Load(),
		Disconnects:    m.disconnects.Load(),
		ActiveCalls:    m.activeCalls.Load(),
		DedupEntries:   m.dedupEntries.Load(),
	}
}
