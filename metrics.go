package protoclient

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// clientMetrics are kept in a per client set, so several clients in one process do not collide.
type clientMetrics struct {
	set *metrics.Set

	framesSent     *metrics.Counter
	framesReceived *metrics.Counter
	framesDropped  *metrics.Counter
	bytesSent      *metrics.Counter
	bytesReceived  *metrics.Counter
	timeouts       *metrics.Counter
	flushes        *metrics.Counter
	transportErrs  *metrics.Counter
}

func newClientMetrics(id string, pending func() float64) *clientMetrics {
	set := metrics.NewSet()
	name := func(n string) string {
		return fmt.Sprintf(`protoclient_%s{client=%q}`, n, id)
	}
	m := &clientMetrics{
		set:            set,
		framesSent:     set.NewCounter(name("frames_sent_total")),
		framesReceived: set.NewCounter(name("frames_received_total")),
		framesDropped:  set.NewCounter(name("frames_dropped_total")),
		bytesSent:      set.NewCounter(name("bytes_sent_total")),
		bytesReceived:  set.NewCounter(name("bytes_received_total")),
		timeouts:       set.NewCounter(name("call_timeouts_total")),
		flushes:        set.NewCounter(name("flushes_total")),
		transportErrs:  set.NewCounter(name("transport_errors_total")),
	}
	set.NewGauge(name("pending_calls"), pending)
	return m
}
