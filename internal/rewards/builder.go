// Package rewards builds rewarded decisions from deduplicated history:
// per conversation, it expands records into decision and rewards records
// and distributes each reward across the eligible, non-expired decisions
// sharing its reward key in a single time-ordered pass.
package rewards

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rlops/reward-assignment/internal/hooks"
	"github.com/rlops/reward-assignment/internal/records"
)

// Builder runs the reward join for one project at a time.
type Builder struct {
	hooks  hooks.Hooks
	window time.Duration
	logger *slog.Logger
}

// New creates a builder with the given reward window W; rewards credit a
// decision at time t iff they land in [t, t+W).
func New(h hooks.Hooks, window time.Duration, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{hooks: h, window: window, logger: logger}
}

// Result is the outcome of one build over a shard's history.
type Result struct {
	Decisions       []*records.DecisionRecord
	AbandonedGroups int
}

// Build groups the records by history id and joins each group
// independently. A failing group is abandoned and counted; the remaining
// groups still produce output. One poisoned conversation must not stop
// the shard.
func (b *Builder) Build(project string, recs []records.HistoryRecord) *Result {
	groupOrder := make([]string, 0)
	groups := make(map[string][]records.HistoryRecord)
	for _, rec := range recs {
		if _, ok := groups[rec.HistoryID]; !ok {
			groupOrder = append(groupOrder, rec.HistoryID)
		}
		groups[rec.HistoryID] = append(groups[rec.HistoryID], rec)
	}

	result := &Result{}
	for _, historyID := range groupOrder {
		decisions, err := b.buildGroup(project, historyID, groups[historyID])
		if err != nil {
			result.AbandonedGroups++
			b.logger.Error("abandoning history group",
				slog.String("project", project),
				slog.String("history_id", historyID),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Decisions = append(result.Decisions, decisions...)
	}
	return result
}

func (b *Builder) buildGroup(project, historyID string, recs []records.HistoryRecord) ([]*records.DecisionRecord, error) {
	var decisions []*records.DecisionRecord
	var rewardsList []*records.RewardsRecord

	for _, rec := range recs {
		ts, err := records.ParseTimestamp(rec.Timestamp)
		if err != nil {
			return nil, err
		}
		if rec.MessageID == "" {
			return nil, fmt.Errorf("record in group %q has no message_id", historyID)
		}
		switch rec.Type {
		case "", records.TypeDecision, records.TypeRewards:
		default:
			return nil, fmt.Errorf("record %q has unknown type %q", rec.MessageID, rec.Type)
		}

		inferred, err := inferDecisions(rec)
		if err != nil {
			return nil, err
		}

		returned, err := b.hooks.ActionRecordsFromHistoryRecord(project, rec, inferred)
		if err != nil {
			return nil, fmt.Errorf("action records hook: %w", err)
		}

		for i := range returned {
			d := returned[i]
			// The hook may not move a decision in time or across
			// conversations.
			if d.Timestamp != "" && d.Timestamp != rec.Timestamp {
				return nil, fmt.Errorf("hook changed timestamp of record %q", rec.MessageID)
			}
			if d.HistoryID != "" && d.HistoryID != historyID {
				return nil, fmt.Errorf("hook changed history_id of record %q", rec.MessageID)
			}
			d.Timestamp = rec.Timestamp
			d.TimestampDate = ts
			d.HistoryID = historyID
			if i == 0 {
				d.MessageID = rec.MessageID
			} else {
				d.MessageID = fmt.Sprintf("%s-%d", rec.MessageID, i)
			}
			decisions = append(decisions, &d)
		}

		rr, err := b.hooks.RewardsRecordFromHistoryRecord(project, rec)
		if err != nil {
			return nil, fmt.Errorf("rewards record hook: %w", err)
		}
		if rr != nil {
			rr.Timestamp = rec.Timestamp
			rr.TimestampDate = ts
			rr.HistoryID = historyID
			rewardsList = append(rewardsList, rr)
		}
	}

	return b.join(decisions, rewardsList)
}

// inferDecisions builds the candidate decision set of one record: the
// record itself when typed "decision", then its embedded decisions.
func inferDecisions(rec records.HistoryRecord) ([]records.DecisionRecord, error) {
	var inferred []records.DecisionRecord

	if rec.Type == records.TypeDecision {
		inferred = append(inferred, records.DecisionRecord{
			Chosen:     rec.Chosen,
			Context:    rec.Context,
			Domain:     rec.Domain,
			Propensity: rec.Propensity,
			RewardKey:  rec.RewardKey,
		})
	}

	if len(rec.Decisions) > 0 {
		if !records.IsJSONArray(rec.Decisions) {
			return nil, fmt.Errorf("decisions of record %q is not a sequence", rec.MessageID)
		}
		var embedded []records.EmbeddedDecision
		if err := json.Unmarshal(rec.Decisions, &embedded); err != nil {
			return nil, fmt.Errorf("decode decisions of record %q: %w", rec.MessageID, err)
		}
		for _, e := range embedded {
			inferred = append(inferred, records.DecisionRecord{
				Chosen:     e.Chosen,
				Context:    e.Context,
				Domain:     e.Domain,
				Propensity: e.Propensity,
				RewardKey:  e.RewardKey,
			})
		}
	}

	return inferred, nil
}

type joinItem struct {
	at       time.Time
	decision *records.DecisionRecord
	rewards  *records.RewardsRecord
}

// join walks decisions and rewards in timestamp order, keeping per-key
// listener queues of still-live decisions. Each reward touches only its
// key's listeners and drops the expired ones on the way; the forward walk
// guarantees an expired listener can never be credited again.
func (b *Builder) join(decisions []*records.DecisionRecord, rewardsList []*records.RewardsRecord) ([]*records.DecisionRecord, error) {
	if len(rewardsList) == 0 {
		return decisions, nil
	}

	items := make([]joinItem, 0, len(decisions)+len(rewardsList))
	for _, d := range decisions {
		items = append(items, joinItem{at: d.TimestampDate, decision: d})
	}
	for _, r := range rewardsList {
		items = append(items, joinItem{at: r.TimestampDate, rewards: r})
	}
	// Decisions sort ahead of rewards on timestamp ties so a reward
	// landing at exactly the decision's timestamp still credits it.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].at.Equal(items[j].at) {
			return items[i].decision != nil && items[j].decision == nil
		}
		return items[i].at.Before(items[j].at)
	})

	listeners := make(map[string][]*records.DecisionRecord)
	for _, item := range items {
		if d := item.decision; d != nil {
			d.RewardWindowEnd = d.TimestampDate.Add(b.window)
			key := d.EffectiveRewardKey()
			listeners[key] = append(listeners[key], d)
			continue
		}

		r := item.rewards
		keys := make([]string, 0, len(r.Rewards))
		for key := range r.Rewards {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value, err := records.CoerceReward(r.Rewards[key])
			if err != nil {
				return nil, fmt.Errorf("rewards record at %s: %w", r.Timestamp, err)
			}
			ls := listeners[key]
			// Backwards so in-place removal of expired listeners is safe.
			for i := len(ls) - 1; i >= 0; i-- {
				d := ls[i]
				if !r.TimestampDate.Before(d.RewardWindowEnd) {
					ls = append(ls[:i], ls[i+1:]...)
					continue
				}
				d.AddReward(value)
			}
			listeners[key] = ls
		}
	}

	return decisions, nil
}
