package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Pass and dispatch metrics. Global only, no unbounded label cardinality.
var (
	DecisionsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reward_assignment_decisions_emitted_total",
		Help: "Total rewarded decisions written across all passes",
	})
	DecisionsRewarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reward_assignment_decisions_rewarded_total",
		Help: "Emitted decisions that accumulated a non-zero reward",
	})
	DuplicatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reward_assignment_duplicates_dropped_total",
		Help: "History records dropped for duplicate or missing message ids",
	})
	GroupsAbandoned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reward_assignment_groups_abandoned_total",
		Help: "Conversation groups abandoned due to invalid records or hook failures",
	})
	ReshardEscalations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reward_assignment_reshard_escalations_total",
		Help: "Worker passes escalated to the reshard subsystem for oversize payloads",
	})
	WorkersDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reward_assignment_workers_dispatched_total",
		Help: "Worker invocations enqueued by the dispatcher",
	})
	ShardsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reward_assignment_shards_suppressed_total",
		Help: "Incoming shards skipped for cool-down, instability or exhausted budget",
	})
	PassReward = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: "reward_assignment_pass_reward",
		Help: "Distribution of accumulated rewards over emitted decisions",
	})
)

func init() {
	// Register eagerly; harmless when no /metrics endpoint is exposed.
	prometheus.MustRegister(
		DecisionsEmitted,
		DecisionsRewarded,
		DuplicatesDropped,
		GroupsAbandoned,
		ReshardEscalations,
		WorkersDispatched,
		ShardsSuppressed,
		PassReward,
	)
}
