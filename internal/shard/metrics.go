package shard

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sharding-experiment/shardexec/internal/protocol"
)

const metricsNamespace = "shardexec"

// Metrics holds the per-round execution metrics of a session. A nil
// *Metrics records nothing.
type Metrics struct {
	subBlockSizes                *prometheus.CounterVec
	subBlockExecutionSeconds     *prometheus.HistogramVec
	shardedBlockExecutionSeconds *prometheus.HistogramVec
	crossShardMessages           *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	buckets := prometheus.ExponentialBuckets(1e-3, 2.0, 20)
	m := &Metrics{
		subBlockSizes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sub_block_sizes",
			Help:      "Number of transactions executed per sub-block",
		}, []string{"shard_id", "round_id"}),
		subBlockExecutionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sub_block_execution_seconds",
			Help:      "Time spent executing a sub-block, receiver included",
			Buckets:   buckets,
		}, []string{"shard_id", "round_id"}),
		shardedBlockExecutionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sharded_block_execution_seconds",
			Help:      "Time spent per round of a sharded block, setup included",
			Buckets:   buckets,
		}, []string{"shard_id", "round_id"}),
		crossShardMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cross_shard_messages_total",
			Help:      "Cross-shard messages sent, by kind",
		}, []string{"shard_id", "kind"}),
	}

	err := errors.Join(
		reg.Register(m.subBlockSizes),
		reg.Register(m.subBlockExecutionSeconds),
		reg.Register(m.shardedBlockExecutionSeconds),
		reg.Register(m.crossShardMessages),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func labels(shardID, round int) prometheus.Labels {
	return prometheus.Labels{"shard_id": strconv.Itoa(shardID), "round_id": strconv.Itoa(round)}
}

func (m *Metrics) addSubBlockSize(shardID, round, n int) {
	if m == nil {
		return
	}
	m.subBlockSizes.With(labels(shardID, round)).Add(float64(n))
}

func (m *Metrics) subBlockTimer(shardID, round int) *prometheus.Timer {
	if m == nil {
		return prometheus.NewTimer(prometheus.ObserverFunc(func(float64) {}))
	}
	return prometheus.NewTimer(m.subBlockExecutionSeconds.With(labels(shardID, round)))
}

func (m *Metrics) blockRoundTimer(shardID, round int) *prometheus.Timer {
	if m == nil {
		return prometheus.NewTimer(prometheus.ObserverFunc(func(float64) {}))
	}
	return prometheus.NewTimer(m.shardedBlockExecutionSeconds.With(labels(shardID, round)))
}

func (m *Metrics) messageSent(shardID int, kind protocol.MsgKind) {
	if m == nil {
		return
	}
	m.crossShardMessages.WithLabelValues(strconv.Itoa(shardID), kind.String()).Inc()
}
