package consensus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Statistics records one sample per proposal round, both as prometheus
// collectors and as running aggregates for the status endpoint.
type Statistics struct {
	txsInBlock prometheus.Histogram
	tps        prometheus.Gauge
	roundTime  prometheus.Histogram
	processed  prometheus.Counter
	commits    *prometheus.CounterVec

	mu  sync.Mutex
	agg StatsSnapshot
}

// StatsSnapshot is the aggregate view of every recorded round.
type StatsSnapshot struct {
	Rounds         uint64
	TotalProcessed uint64
	LiveTPS        float64
	AverageTPS     float64
	MinTPS         float64
	MaxTPS         float64
	AverageTxs     float64
	MinTxs         int
	MaxTxs         int
	AverageRound   time.Duration

	sumTPS   float64
	sumTxs   uint64
	sumRound time.Duration
}

// NewStatistics registers the collectors on reg. A nil reg keeps them private.
func NewStatistics(reg prometheus.Registerer) *Statistics {
	s := &Statistics{
		txsInBlock: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shardnode",
			Name:      "block_transactions",
			Help:      "Transactions included per proposed block.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		tps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardnode",
			Name:      "live_tps",
			Help:      "Transactions per second of the last round.",
		}),
		roundTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shardnode",
			Name:      "round_seconds",
			Help:      "Time from round start to the end of the proposal.",
			Buckets:   prometheus.DefBuckets,
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardnode",
			Name:      "transactions_processed_total",
			Help:      "Transactions included in proposed blocks.",
		}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardnode",
			Name:      "commits_total",
			Help:      "Commit pipeline results by outcome.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(s.txsInBlock, s.tps, s.roundTime, s.processed, s.commits)
	}
	return s
}

// AddRound records one round. A round without transactions records zeros.
func (s *Statistics) AddRound(txs int, roundTime time.Duration) {
	if s == nil {
		return
	}
	var tps float64
	if roundTime > 0 {
		tps = float64(txs) / roundTime.Seconds()
	}
	s.txsInBlock.Observe(float64(txs))
	s.tps.Set(tps)
	s.roundTime.Observe(roundTime.Seconds())
	s.processed.Add(float64(txs))

	s.mu.Lock()
	defer s.mu.Unlock()
	a := &s.agg
	if a.Rounds == 0 {
		a.MinTPS, a.MaxTPS = tps, tps
		a.MinTxs, a.MaxTxs = txs, txs
	}
	a.Rounds++
	a.TotalProcessed += uint64(txs)
	a.LiveTPS = tps
	a.sumTPS += tps
	a.sumTxs += uint64(txs)
	a.sumRound += roundTime
	a.MinTPS = min(a.MinTPS, tps)
	a.MaxTPS = max(a.MaxTPS, tps)
	a.MinTxs = min(a.MinTxs, txs)
	a.MaxTxs = max(a.MaxTxs, txs)
	a.AverageTPS = a.sumTPS / float64(a.Rounds)
	a.AverageTxs = float64(a.sumTxs) / float64(a.Rounds)
	a.AverageRound = a.sumRound / time.Duration(a.Rounds)
}

func (s *Statistics) recordCommit(result string) {
	if s == nil {
		return
	}
	s.commits.WithLabelValues(result).Inc()
}

func (s *Statistics) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg
}
