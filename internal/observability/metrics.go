package observability

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Metrics collects capture-related counters. All fields are atomic so the
// ingestion hot path never takes a lock.
type Metrics struct {
	SessionsStarted   atomic.Uint64
	SessionsCompleted atomic.Uint64
	ChunksReceived    atomic.Uint64
	AudioBytes        atomic.Uint64
	InvitesCreated    atomic.Uint64
	EmailsSent        atomic.Uint64
	EmailsFailed      atomic.Uint64

	rejections sync.Map // map[string]*atomic.Uint64, keyed by rejection reason
}

// NewMetrics creates an empty metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordRejection counts a refused streaming connection by reason.
func (m *Metrics) RecordRejection(reason string) {
	if reason == "" {
		return
	}
	counter, _ := m.rejections.LoadOrStore(reason, &atomic.Uint64{})
	counter.(*atomic.Uint64).Add(1)
}

// RejectionCounts returns a stable copy of the per-reason rejection counts.
func (m *Metrics) RejectionCounts() map[string]uint64 {
	out := make(map[string]uint64)
	m.rejections.Range(func(key, value any) bool {
		reason, ok := key.(string)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		out[reason] = counter.Load()
		return true
	})
	return out
}

// Export produces the metrics payload in Prometheus' text exposition format.
func (m *Metrics) Export() []byte {
	var buf bytes.Buffer

	writeCounter(&buf, "echobooth_sessions_started_total",
		"Streaming sessions admitted for recording.", m.SessionsStarted.Load())
	writeCounter(&buf, "echobooth_sessions_completed_total",
		"Streaming sessions finalized to a terminal token state.", m.SessionsCompleted.Load())
	writeCounter(&buf, "echobooth_chunks_received_total",
		"Binary audio chunks appended across all sessions.", m.ChunksReceived.Load())
	writeCounter(&buf, "echobooth_audio_bytes_total",
		"Raw PCM bytes appended across all sessions.", m.AudioBytes.Load())
	writeCounter(&buf, "echobooth_invites_created_total",
		"Invite tokens issued.", m.InvitesCreated.Load())
	writeCounter(&buf, "echobooth_invite_emails_sent_total",
		"Invite emails accepted by the delivery API.", m.EmailsSent.Load())
	writeCounter(&buf, "echobooth_invite_emails_failed_total",
		"Invite emails that could not be delivered.", m.EmailsFailed.Load())

	m.writeRejections(&buf)

	return buf.Bytes()
}

func (m *Metrics) writeRejections(buf *bytes.Buffer) {
	counts := m.RejectionCounts()
	if len(counts) == 0 {
		return
	}

	buf.WriteString("# HELP echobooth_connections_rejected_total Streaming connections refused, by reason.\n")
	buf.WriteString("# TYPE echobooth_connections_rejected_total counter\n")

	reasons := make([]string, 0, len(counts))
	for reason := range counts {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)

	for _, reason := range reasons {
		fmt.Fprintf(buf, "echobooth_connections_rejected_total{reason=%q} %d\n", reason, counts[reason])
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}
