// Package hooks defines the customization capability the core consumes.
// Deployments plug project-specific transforms in at fixed points of the
// pass; the core treats them as opaque and possibly failing. A hook error
// is fatal to its current unit of work: the conversation group during the
// build, the whole pass during final projection.
package hooks

import (
	"encoding/json"
	"fmt"

	"github.com/rlops/reward-assignment/internal/records"
)

// Hooks is the customization interface.
type Hooks interface {
	// ModelNameForAction may pin a decision to a model, overriding the
	// project's domain→model mapping. Empty means no override.
	ModelNameForAction(decision *records.DecisionRecord) string

	// ModifyHistoryRecords transforms the loaded record set before the
	// build. Timestamps and history ids must not change; the builder
	// re-checks per record.
	ModifyHistoryRecords(project string, recs []records.HistoryRecord) ([]records.HistoryRecord, error)

	// ModifyRewardedAction transforms a rewarded decision before
	// validation and write-out.
	ModifyRewardedAction(project string, rewarded *records.RewardedDecision) (*records.RewardedDecision, error)

	// ActionRecordsFromHistoryRecord returns the decision records a
	// history record stands for, given the candidates the core inferred
	// (the record itself when typed "decision", plus its embedded
	// decisions). Nil or empty means the record contributes no decisions.
	ActionRecordsFromHistoryRecord(project string, rec records.HistoryRecord, inferred []records.DecisionRecord) ([]records.DecisionRecord, error)

	// RewardsRecordFromHistoryRecord extracts the rewards a history
	// record carries; nil when it carries none.
	RewardsRecordFromHistoryRecord(project string, rec records.HistoryRecord) (*records.RewardsRecord, error)

	// ProjectName resolves the project a dispatch event addresses.
	ProjectName(event map[string]any) (string, error)
}

// Identity is the default hook set: every transform is the projection the
// core inferred on its own.
type Identity struct{}

var _ Hooks = Identity{}

func (Identity) ModelNameForAction(*records.DecisionRecord) string { return "" }

func (Identity) ModifyHistoryRecords(project string, recs []records.HistoryRecord) ([]records.HistoryRecord, error) {
	return recs, nil
}

func (Identity) ModifyRewardedAction(project string, rewarded *records.RewardedDecision) (*records.RewardedDecision, error) {
	return rewarded, nil
}

func (Identity) ActionRecordsFromHistoryRecord(project string, rec records.HistoryRecord, inferred []records.DecisionRecord) ([]records.DecisionRecord, error) {
	return inferred, nil
}

func (Identity) RewardsRecordFromHistoryRecord(project string, rec records.HistoryRecord) (*records.RewardsRecord, error) {
	if len(rec.Rewards) == 0 {
		return nil, nil
	}
	if !records.IsJSONObject(rec.Rewards) {
		return nil, fmt.Errorf("rewards of record %q is not a mapping", rec.MessageID)
	}
	var rewards map[string]any
	if err := json.Unmarshal(rec.Rewards, &rewards); err != nil {
		return nil, fmt.Errorf("decode rewards of record %q: %w", rec.MessageID, err)
	}
	return &records.RewardsRecord{
		HistoryID: rec.HistoryID,
		Timestamp: rec.Timestamp,
		Rewards:   rewards,
	}, nil
}

func (Identity) ProjectName(event map[string]any) (string, error) {
	name, ok := event["project_name"].(string)
	if !ok || name == "" {
		return "", fmt.Errorf("event carries no project_name")
	}
	return name, nil
}
