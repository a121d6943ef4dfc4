// Package metrics declares the Prometheus collectors of the directory
// server. Collectors register with the default registry at init and are
// exported by the admin API at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "dirmgr"

const (
	MetricCommits            = "commits_total"
	MetricCommitFailures     = "commit_failures_total"
	MetricCommitDuration     = "commit_duration_seconds"
	MetricActiveTransactions = "active_transactions"
	MetricJournalBytes       = "journal_bytes_total"
	MetricJournalEntries     = "journal_entries"
	MetricDumps              = "dumps_total"
	MetricDumpDuration       = "dump_duration_seconds"
	MetricTaskRuns           = "task_runs_total"
	MetricTaskFailures       = "task_failures_total"
	MetricQueryDuration      = "query_duration_seconds"
	MetricSessions           = "sessions"
	MetricBuilds             = "builds_total"
)

var CounterCommits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricCommits,
		Help:      "Transactions committed.",
	},
)

var CounterCommitFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricCommitFailures,
		Help:      "Commit attempts that failed, by error code.",
	},
	[]string{
		"code",
	},
)

var HistogramCommitDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      MetricCommitDuration,
		Help:      "Time from commit start to publication.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	},
)

var GaugeActiveTransactions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      MetricActiveTransactions,
		Help:      "Open transactions.",
	},
)

var CounterJournalBytes = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricJournalBytes,
		Help:      "Bytes appended to the journal.",
	},
)

var GaugeJournalEntries = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      MetricJournalEntries,
		Help:      "Entries in the journal since the last dump.",
	},
)

var CounterDumps = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricDumps,
		Help:      "Dumps written, by result.",
	},
	[]string{
		"result",
	},
)

var HistogramDumpDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      MetricDumpDuration,
		Help:      "Time to write a dump.",
		Buckets:   prometheus.DefBuckets,
	},
)

var CounterTaskRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricTaskRuns,
		Help:      "Scheduled task runs, by task.",
	},
	[]string{
		"task",
	},
)

var CounterTaskFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricTaskFailures,
		Help:      "Scheduled task runs that failed or panicked, by task.",
	},
	[]string{
		"task",
	},
)

var HistogramQueryDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      MetricQueryDuration,
		Help:      "Query evaluation time.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	},
)

var GaugeSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      MetricSessions,
		Help:      "Logged-in sessions.",
	},
)

var CounterBuilds = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricBuilds,
		Help:      "Export builds, by builder and outcome.",
	},
	[]string{
		"builder",
		"outcome",
	},
)

func init() {
	prometheus.MustRegister(CounterCommits)
	prometheus.MustRegister(CounterCommitFailures)
	prometheus.MustRegister(HistogramCommitDuration)
	prometheus.MustRegister(GaugeActiveTransactions)
	prometheus.MustRegister(CounterJournalBytes)
	prometheus.MustRegister(GaugeJournalEntries)
	prometheus.MustRegister(CounterDumps)
	prometheus.MustRegister(HistogramDumpDuration)
	prometheus.MustRegister(CounterTaskRuns)
	prometheus.MustRegister(CounterTaskFailures)
	prometheus.MustRegister(HistogramQueryDuration)
	prometheus.MustRegister(GaugeSessions)
	prometheus.MustRegister(CounterBuilds)
}
