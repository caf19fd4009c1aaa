package event

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-parse/types"
)

// Health thresholds that trigger a recommendation.
const (
	queueUtilizationLimit = 0.8
	errorRateLimit        = 0.05
	avgProcessingLimit    = 100 * time.Millisecond
)

// MonitorHealth derives queue utilization, the average dispatch time and the
// listener error rate from the counters accumulated during batch processing,
// and produces textual recommendations when thresholds are exceeded.
func (m *Manager) MonitorHealth() types.QueueHealth {
	queueLen := len(m.queue)
	utilization := float64(queueLen) / float64(m.config.MaxQueueSize)

	processed := atomic.LoadUint64(&m.processed)
	failures := atomic.LoadUint64(&m.failures)
	procTime := atomic.LoadInt64(&m.procTimeNs)

	errorRate := 0.0
	avg := time.Duration(0)
	if processed > 0 {
		errorRate = float64(failures) / float64(processed)
		avg = time.Duration(procTime / int64(processed))
	}

	var recommendations []string
	if utilization > queueUtilizationLimit {
		recommendations = append(recommendations,
			fmt.Sprintf("event queue is %.0f%% full; increase max_queue_size or reduce emit rate", utilization*100))
	}
	if errorRate > errorRateLimit {
		recommendations = append(recommendations,
			fmt.Sprintf("listener error rate is %.1f%%; inspect failing subscribers", errorRate*100))
	}
	if avg > avgProcessingLimit {
		recommendations = append(recommendations,
			fmt.Sprintf("average dispatch time is %s; listeners are too slow for the batch loop", avg))
	}

	return types.QueueHealth{
		QueueLength:       queueLen,
		QueueUtilization:  utilization,
		DroppedEvents:     atomic.LoadUint64(&m.dropped),
		ProcessedEvents:   processed,
		ErrorRate:         errorRate,
		AvgProcessingTime: avg,
		Recommendations:   recommendations,
	}
}
