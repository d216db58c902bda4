package region

import (
	"encoding/json"
	"testing"
)

func TestStateTextRoundTrip(t *testing.T) {
	for _, s := range []State{StateForming, StateActive, StateDying} {
		b, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("marshal %v: %v", s, err)
		}
		var got State
		if err := json.Unmarshal(b, &got); err != nil || got != s {
			t.Fatalf("round trip %s: got %v err=%v", b, got, err)
		}
	}
	var s State
	if err := json.Unmarshal([]byte(`"GONE"`), &s); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}
