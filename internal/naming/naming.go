// Package naming is the pure mapping between logical identifiers
// (project, shard, history date, model) and object-store keys, plus the
// enumerations built on top of it. Key layout:
//
//	histories/<project>/<shard>/<yyyy>/<MM>/<dd>/<object>.jsonl.gz
//	histories_incoming/<project>/<shard>/<marker>.json
//	rewarded_decisions/<project>/<model>/<shard>/<yyyy>-<MM>-<dd>/<object>.jsonl.gz
package naming

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	historiesRoot = "histories"
	incomingRoot  = "histories_incoming"
	rewardedRoot  = "rewarded_decisions"

	historySuffix    = ".jsonl.gz"
	markerSuffix     = ".json"
	consolidatedName = "consolidated" + historySuffix
)

// HistoryShardPrefix is the listing prefix for one shard's history.
func HistoryShardPrefix(project, shard string) string {
	return historiesRoot + "/" + project + "/" + shard + "/"
}

// HistoryKey mints a new history object key under the calendar date of t.
func HistoryKey(project, shard string, t time.Time) string {
	return HistoryShardPrefix(project, shard) + t.UTC().Format("2006/01/02") + "/" + uuid.NewString() + historySuffix
}

// IsHistoryKey reports whether key addresses a history object.
func IsHistoryKey(key string) bool {
	return strings.HasPrefix(key, historiesRoot+"/") && strings.HasSuffix(key, historySuffix)
}

// ShardOfHistoryKey extracts the shard id from a history or incoming key;
// empty when the key has no shard segment.
func ShardOfHistoryKey(key string) string {
	parts := strings.Split(key, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// DatePathOf returns the calendar-date directory containing key.
func DatePathOf(key string) string {
	return path.Dir(key)
}

// GroupHistoryKeysByDatePath buckets keys by their calendar-date
// directory. Keys sharing a bucket are consolidation candidates.
func GroupHistoryKeysByDatePath(keys []string) map[string][]string {
	groups := make(map[string][]string)
	for _, key := range keys {
		datePath := DatePathOf(key)
		groups[datePath] = append(groups[datePath], key)
	}
	return groups
}

// ConsolidatedHistoryKey is the canonical single-object key for the
// date-path group containing anyKey. Deterministic, so re-consolidation
// of an already consolidated group is a no-op rewrite.
func ConsolidatedHistoryKey(anyKey string) string {
	return DatePathOf(anyKey) + "/" + consolidatedName
}

// IncomingShardPrefix is the listing prefix for one shard's pending
// ingestion markers.
func IncomingShardPrefix(project, shard string) string {
	return incomingRoot + "/" + project + "/" + shard + "/"
}

// IncomingHistoryKey derives the marker key signalling that historyKey
// needs (re)processing. The date-path and object name flatten into the
// marker name so the mapping stays injective.
func IncomingHistoryKey(historyKey string) string {
	rest := strings.TrimPrefix(historyKey, historiesRoot+"/")
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 3 {
		return incomingRoot + "/" + strings.ReplaceAll(rest, "/", "-") + markerSuffix
	}
	project, shard, tail := parts[0], parts[1], parts[2]
	return IncomingShardPrefix(project, shard) + strings.ReplaceAll(tail, "/", "-") + markerSuffix
}

// RewardedDecisionPartition is the output directory for one
// (project, model, shard, date) coordinate. A pure function of its
// arguments: identical coordinates always collate together.
func RewardedDecisionPartition(project, model, shard string, date time.Time) string {
	return rewardedRoot + "/" + project + "/" + model + "/" + shard + "/" + date.UTC().Format("2006-01-02") + "/"
}

// RewardedDecisionKey mints the object key for one flush of a partition.
func RewardedDecisionKey(project, model, shard string, date time.Time) string {
	return RewardedDecisionPartition(project, model, shard, date) + uuid.NewString() + historySuffix
}
