package records

import (
	"encoding/json"
	"math"
	"testing"
)

func TestCoerceReward(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    float64
		wantErr bool
	}{
		{name: "float", in: 1.5, want: 1.5},
		{name: "true", in: true, want: 1},
		{name: "false", in: false, want: 0},
		{name: "number", in: json.Number("2"), want: 2},
		{name: "string", in: "3", wantErr: true},
		{name: "nil", in: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CoerceReward(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("CoerceReward(%v) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("CoerceReward(%v) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("CoerceReward(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecisionRecord_AddReward(t *testing.T) {
	d := &DecisionRecord{}
	if d.Reward != nil {
		t.Fatal("fresh decision should have no reward")
	}

	d.AddReward(1)
	d.AddReward(0)
	d.AddReward(1.5)

	if d.Reward == nil || *d.Reward != 2.5 {
		t.Errorf("Reward = %v, want 2.5", d.Reward)
	}
}

func TestDecisionRecord_EffectiveRewardKey(t *testing.T) {
	d := &DecisionRecord{}
	if got := d.EffectiveRewardKey(); got != DefaultRewardKey {
		t.Errorf("EffectiveRewardKey() = %q, want %q", got, DefaultRewardKey)
	}

	d.RewardKey = "k1"
	if got := d.EffectiveRewardKey(); got != "k1" {
		t.Errorf("EffectiveRewardKey() = %q, want k1", got)
	}
}

func TestRewardedDecision_Validate(t *testing.T) {
	valid := &RewardedDecision{
		Timestamp: "2024-01-01T00:00:00Z",
		MessageID: "m1",
		HistoryID: "h1",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	missingMessage := &RewardedDecision{Timestamp: "2024-01-01T00:00:00Z", HistoryID: "h1"}
	if err := missingMessage.Validate(); err == nil {
		t.Error("expected error for missing message_id")
	}

	badTimestamp := &RewardedDecision{Timestamp: "yesterday", MessageID: "m1", HistoryID: "h1"}
	if err := badTimestamp.Validate(); err == nil {
		t.Error("expected error for invalid timestamp")
	}

	nan := math.NaN()
	badReward := &RewardedDecision{
		Timestamp: "2024-01-01T00:00:00Z",
		MessageID: "m1",
		HistoryID: "h1",
		Reward:    &nan,
	}
	if err := badReward.Validate(); err == nil {
		t.Error("expected error for NaN reward")
	}
}

func TestRewarded_ProjectsEightFields(t *testing.T) {
	reward := 2.0
	d := &DecisionRecord{
		HistoryID:  "h",
		MessageID:  "m",
		Timestamp:  "2024-01-01T00:00:00Z",
		Chosen:     "A",
		Context:    map[string]any{"x": 1.0},
		Domain:     "songs",
		Propensity: 0.5,
		Reward:     &reward,
	}

	out, err := json.Marshal(d.Rewarded())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	for _, key := range []string{"chosen", "context", "domain", "timestamp", "message_id", "history_id", "reward", "propensity"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("projection missing field %q", key)
		}
	}
	if len(fields) != 8 {
		t.Errorf("projection has %d fields, want 8: %v", len(fields), fields)
	}
}

func TestIsJSONObject(t *testing.T) {
	if !IsJSONObject(json.RawMessage(` {"a":1}`)) {
		t.Error("object not recognized")
	}
	if IsJSONObject(json.RawMessage(`[1]`)) {
		t.Error("array misclassified as object")
	}
	if !IsJSONArray(json.RawMessage(`[{"a":1}]`)) {
		t.Error("array not recognized")
	}
	if IsJSONArray(nil) {
		t.Error("nil misclassified as array")
	}
}
