// Package records defines the record shapes flowing through a reward
// assignment pass: raw history lines as landed by the ingestion firehose,
// the decision and rewards records derived from them, and the rewarded
// decision projection written for training consumers.
package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// TypeDecision tags a record carrying a single decision.
	TypeDecision = "decision"
	// TypeRewards tags a record carrying a reward-key → value mapping.
	TypeRewards = "rewards"

	// DefaultRewardKey routes rewards for decisions that carry no
	// explicit reward_key.
	DefaultRewardKey = "reward"
)

// HistoryRecord is one raw line of a history object. Decisions and Rewards
// stay raw so that a malformed shape fails the owning conversation group
// during the build, not the whole shard load.
type HistoryRecord struct {
	Timestamp  string          `json:"timestamp"`
	MessageID  string          `json:"message_id"`
	HistoryID  string          `json:"history_id"`
	Type       string          `json:"type,omitempty"`
	Decisions  json.RawMessage `json:"decisions,omitempty"`
	Rewards    json.RawMessage `json:"rewards,omitempty"`
	Chosen     any             `json:"chosen,omitempty"`
	Context    any             `json:"context,omitempty"`
	Domain     string          `json:"domain,omitempty"`
	Propensity float64         `json:"propensity,omitempty"`
	RewardKey  string          `json:"reward_key,omitempty"`
}

// EmbeddedDecision is one element of a history record's decisions array.
// Identity, timestamp and window come from the carrying record.
type EmbeddedDecision struct {
	Chosen     any     `json:"chosen,omitempty"`
	Context    any     `json:"context,omitempty"`
	Domain     string  `json:"domain,omitempty"`
	Propensity float64 `json:"propensity,omitempty"`
	RewardKey  string  `json:"reward_key,omitempty"`
}

// DecisionRecord is a decision inferred from a history record, annotated
// with its parsed timestamp and reward window. Reward stays nil until a
// matching rewards record credits it.
type DecisionRecord struct {
	HistoryID       string
	MessageID       string
	Timestamp       string
	TimestampDate   time.Time
	Chosen          any
	Context         any
	Domain          string
	Propensity      float64
	RewardKey       string
	Reward          *float64
	RewardWindowEnd time.Time
}

// AddReward accumulates a reward value onto the decision, starting from
// zero when no reward has been assigned yet.
func (d *DecisionRecord) AddReward(v float64) {
	if d.Reward == nil {
		d.Reward = new(float64)
	}
	*d.Reward += v
}

// EffectiveRewardKey returns the decision's reward key, defaulting to
// DefaultRewardKey when unset.
func (d *DecisionRecord) EffectiveRewardKey() string {
	if d.RewardKey == "" {
		return DefaultRewardKey
	}
	return d.RewardKey
}

// RewardsRecord is the rewards mapping extracted from a history record.
// Values are numbers or booleans as decoded from JSON.
type RewardsRecord struct {
	HistoryID     string
	Timestamp     string
	TimestampDate time.Time
	Rewards       map[string]any
}

// RewardedDecision is the output projection: exactly these eight fields,
// possibly mutated by the customization hook before validation.
type RewardedDecision struct {
	Chosen     any      `json:"chosen,omitempty"`
	Context    any      `json:"context,omitempty"`
	Domain     string   `json:"domain,omitempty"`
	Timestamp  string   `json:"timestamp"`
	MessageID  string   `json:"message_id"`
	HistoryID  string   `json:"history_id"`
	Reward     *float64 `json:"reward,omitempty"`
	Propensity float64  `json:"propensity,omitempty"`
}

// Rewarded projects a decision onto the output field set.
func (d *DecisionRecord) Rewarded() *RewardedDecision {
	return &RewardedDecision{
		Chosen:     d.Chosen,
		Context:    d.Context,
		Domain:     d.Domain,
		Timestamp:  d.Timestamp,
		MessageID:  d.MessageID,
		HistoryID:  d.HistoryID,
		Reward:     d.Reward,
		Propensity: d.Propensity,
	}
}

// Validate checks the invariants every emitted rewarded decision must
// hold. A failure here is fatal to the whole pass.
func (r *RewardedDecision) Validate() error {
	if r == nil {
		return errors.New("rewarded decision is nil")
	}
	if r.MessageID == "" {
		return errors.New("rewarded decision missing message_id")
	}
	if r.HistoryID == "" {
		return errors.New("rewarded decision missing history_id")
	}
	if _, err := ParseTimestamp(r.Timestamp); err != nil {
		return fmt.Errorf("rewarded decision has invalid timestamp: %w", err)
	}
	if r.Reward != nil && (math.IsNaN(*r.Reward) || math.IsInf(*r.Reward, 0)) {
		return fmt.Errorf("rewarded decision has non-finite reward %v", *r.Reward)
	}
	return nil
}

// ParseTimestamp parses the ISO-8601 timestamps carried by history
// records. Fractional seconds and offset forms are both accepted.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// CoerceReward converts a decoded JSON reward value to a float64.
// Booleans coerce to 1 and 0; anything non-numeric is an error.
func CoerceReward(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("reward value %q is not numeric: %w", x.String(), err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("reward value has unsupported type %T", v)
	}
}

// IsJSONObject reports whether the raw value is a JSON object (and not an
// array or scalar). Used to enforce the rewards-must-be-a-mapping rule.
func IsJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// IsJSONArray reports whether the raw value is a JSON array. Used to
// enforce the decisions-must-be-a-sequence rule.
func IsJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
