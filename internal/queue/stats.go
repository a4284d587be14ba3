package queue

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/metrics"
)

// Redis key layout for queue statistics.
const (
	statsKeyPrefix   = "queue:stats:"
	samplesKeyPrefix = "queue:samples:"

	// GlobalSamplesKey is the cross-key wait-time ring used for fleet-level
	// percentile estimates. Fast-fail decisions use only the per-key ring.
	GlobalSamplesKey = samplesKeyPrefix + "global"

	// maxSamples bounds each sample ring. 200 most-recent entries keeps P99
	// reliable (needs >= 100) with headroom.
	maxSamples = 200

	// Reliability floors: percentiles computed over fewer samples than
	// these are flagged unreliable and never drive load shedding.
	p90MinSamples = 10
	p99MinSamples = 100
)

func statsKey(keyID string) string   { return statsKeyPrefix + keyID }
func samplesKey(keyID string) string { return samplesKeyPrefix + keyID }

// StatCategory is a lifetime aggregate counter bucket for a key's queue.
type StatCategory string

const (
	StatEntered          StatCategory = "entered"
	StatSuccess          StatCategory = "success"
	StatTimeout          StatCategory = "timeout"
	StatCancelled        StatCategory = "cancelled"
	StatRejectedOverload StatCategory = "rejected_overload"
	StatSocketChanged    StatCategory = "socket_changed"
	StatRedisError       StatCategory = "redis_error"
)

// Percentile returns the nearest-rank percentile of an ascending-sorted
// slice: p <= 0 yields the first element, p >= 100 the last, otherwise
// sorted[ceil(p*n/100)-1]. Callers must check for empty input first.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}
	idx := int(math.Ceil(p*float64(n)/100)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// WaitTimeStats summarizes a wait-time sample ring.
type WaitTimeStats struct {
	Count int
	AvgMs float64
	P50Ms float64
	P90Ms float64
	P99Ms float64

	// P90Reliable / P99Reliable are false when the sample count is below
	// the respective floor; unreliable percentiles must not drive fast-fail.
	P90Reliable bool
	P99Reliable bool
}

// CalculateWaitTimeStats computes percentiles over raw samples.
// Returns (zero, false) for empty input — "no stats".
func CalculateWaitTimeStats(samples []float64) (WaitTimeStats, bool) {
	if len(samples) == 0 {
		return WaitTimeStats{}, false
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, s := range sorted {
		sum += s
	}

	n := len(sorted)
	return WaitTimeStats{
		Count:       n,
		AvgMs:       sum / float64(n),
		P50Ms:       Percentile(sorted, 50),
		P90Ms:       Percentile(sorted, 90),
		P99Ms:       Percentile(sorted, 99),
		P90Reliable: n >= p90MinSamples,
		P99Reliable: n >= p99MinSamples,
	}, true
}

// statEvent is one fire-and-forget statistics write.
type statEvent struct {
	keyID    string
	category StatCategory

	// waitMs >= 0 means a wait-time sample accompanies the event.
	waitMs float64
}

// Recorder is the bounded background dispatcher for statistics writes.
//
// Queue statistics are advisory: under store stress the writes are shed
// (oldest first) rather than letting them slow the admission path. Dropped
// events are counted in the metrics.
type Recorder struct {
	rdb     *redis.Client
	events  chan statEvent
	log     *logging.Logger
	metrics *metrics.Metrics
}

// recorderBuffer is the dispatcher channel capacity.
const recorderBuffer = 256

// NewRecorder creates a statistics recorder. Call Run to start the consumer.
func NewRecorder(rdb *redis.Client, log *logging.Logger, m *metrics.Metrics) *Recorder {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	return &Recorder{
		rdb:     rdb,
		events:  make(chan statEvent, recorderBuffer),
		log:     log.Component("queuestats"),
		metrics: m,
	}
}

// Run consumes events until ctx is cancelled. Start exactly once.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			r.apply(ctx, ev)
		}
	}
}

// Record enqueues a terminal statistic for a key. Non-blocking: when the
// buffer is full the oldest pending event is dropped to make room.
func (r *Recorder) Record(keyID string, category StatCategory) {
	r.push(statEvent{keyID: keyID, category: category, waitMs: -1})
}

// RecordWait enqueues a success statistic together with a wait-time sample
// destined for both the per-key and global rings.
func (r *Recorder) RecordWait(keyID string, wait time.Duration) {
	r.push(statEvent{keyID: keyID, category: StatSuccess, waitMs: float64(wait.Milliseconds())})
	if r.metrics != nil {
		r.metrics.QueueWaitSeconds.Observe(wait.Seconds())
	}
}

func (r *Recorder) push(ev statEvent) {
	if r.metrics != nil {
		r.metrics.QueueOutcomes.WithLabelValues(string(ev.category)).Inc()
	}
	for {
		select {
		case r.events <- ev:
			return
		default:
		}
		// Buffer full: shed the oldest pending event and retry.
		select {
		case <-r.events:
			if r.metrics != nil {
				r.metrics.StatEventsDropped.Inc()
			}
		default:
		}
	}
}

func (r *Recorder) apply(ctx context.Context, ev statEvent) {
	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.rdb.HIncrBy(writeCtx, statsKey(ev.keyID), string(ev.category), 1).Err(); err != nil {
		r.log.Warn().Str("key_id", ev.keyID).Err(err).Msg("queue stat write failed")
		return
	}

	if ev.waitMs >= 0 {
		sample := strconv.FormatFloat(ev.waitMs, 'f', -1, 64)
		for _, key := range []string{samplesKey(ev.keyID), GlobalSamplesKey} {
			pipe := r.rdb.Pipeline()
			pipe.LPush(writeCtx, key, sample)
			pipe.LTrim(writeCtx, key, 0, maxSamples-1)
			if _, err := pipe.Exec(writeCtx); err != nil {
				r.log.Warn().Str("key_id", ev.keyID).Err(err).Msg("wait sample write failed")
			}
		}
	}
}

// Samples returns the per-key wait-time ring, newest first.
func (r *Recorder) Samples(ctx context.Context, keyID string) ([]float64, error) {
	raw, err := r.rdb.LRange(ctx, samplesKey(keyID), 0, maxSamples-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(raw))
	for _, s := range raw {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// Counters returns the lifetime aggregate counters for a key.
func (r *Recorder) Counters(ctx context.Context, keyID string) (map[string]int64, error) {
	raw, err := r.rdb.HGetAll(ctx, statsKey(keyID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, _ := strconv.ParseInt(v, 10, 64)
		out[k] = n
	}
	return out, nil
}
