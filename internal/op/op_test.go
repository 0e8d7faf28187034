package op

import (
	"encoding/json"
	"testing"
	"time"

	"concord/engine/internal/clock"
)

func TestStepWireShape(t *testing.T) {
	p := Path{IndexStep(0), KeyStep("children"), IndexStep(2)}
	encoded, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal path: %v", err)
	}
	if string(encoded) != `[0,"children",2]` {
		t.Fatalf("path wire shape = %s", encoded)
	}

	var decoded Path
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal path: %v", err)
	}
	if !decoded.Equal(p) {
		t.Fatalf("round trip changed path: %v vs %v", decoded, p)
	}
}

func TestStepRejectsNonScalar(t *testing.T) {
	var s Step
	if err := json.Unmarshal([]byte(`{"bad":true}`), &s); err == nil {
		t.Fatal("expected error for object path step")
	}
}

func TestOperationWireShape(t *testing.T) {
	operation := Operation{
		ID:        "op-1",
		Type:      Insert,
		NodeID:    "n1",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Clock:     clock.VectorClock{"n1": 1},
		Position:  Position{Path: Path{IndexStep(0)}, Offset: 5},
		Content:   " world",
	}

	encoded, err := json.Marshal(operation)
	if err != nil {
		t.Fatalf("marshal operation: %v", err)
	}

	// vectorClock must serialize as an explicit node->counter map.
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &wire); err != nil {
		t.Fatalf("unmarshal wire: %v", err)
	}
	var vc map[string]int64
	if err := json.Unmarshal(wire["vectorClock"], &vc); err != nil {
		t.Fatalf("vectorClock is not a map: %v", err)
	}
	if vc["n1"] != 1 {
		t.Fatalf("vectorClock[n1] = %d, want 1", vc["n1"])
	}

	var decoded Operation
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal operation: %v", err)
	}
	if decoded.ID != operation.ID || decoded.Type != operation.Type {
		t.Fatalf("round trip changed identity: %+v", decoded)
	}
	if got, _ := decoded.TextContent(); got != " world" {
		t.Fatalf("content = %q, want %q", got, " world")
	}
	if !decoded.Position.Equal(operation.Position) {
		t.Fatalf("position changed in round trip: %+v", decoded.Position)
	}
}

func TestValidate(t *testing.T) {
	vc := clock.VectorClock{"n1": 1}
	pos := Position{Path: Path{IndexStep(0)}}

	cases := []struct {
		name    string
		mutate  func(*Operation)
		wantErr bool
	}{
		{name: "valid insert", mutate: func(o *Operation) {}},
		{name: "missing id", mutate: func(o *Operation) { o.ID = "" }, wantErr: true},
		{name: "unknown type", mutate: func(o *Operation) { o.Type = "rename" }, wantErr: true},
		{name: "missing node", mutate: func(o *Operation) { o.NodeID = "" }, wantErr: true},
		{name: "missing clock", mutate: func(o *Operation) { o.Clock = nil }, wantErr: true},
		{name: "insert without content", mutate: func(o *Operation) { o.Content = nil }, wantErr: true},
		{name: "delete without content ok", mutate: func(o *Operation) { o.Type = Delete; o.Content = nil }},
		{name: "move without from", mutate: func(o *Operation) { o.Type = Move }, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			operation := New(Insert, "n1", vc, pos, "x")
			tc.mutate(&operation)
			err := operation.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestDeleteLengthDefaults(t *testing.T) {
	operation := Operation{Type: Delete}
	if got := operation.DeleteLength(); got != 1 {
		t.Fatalf("DeleteLength() = %d, want 1", got)
	}

	operation.Metadata = map[string]any{"length": float64(4)}
	if got := operation.DeleteLength(); got != 4 {
		t.Fatalf("DeleteLength() = %d, want 4", got)
	}
}

func TestFromPositionRoundTrip(t *testing.T) {
	from := Position{Path: Path{KeyStep("elements"), IndexStep(3)}}
	operation := New(Move, "n1", clock.VectorClock{"n1": 2}, Position{Path: Path{KeyStep("elements"), IndexStep(0)}}, nil)
	operation.Metadata = map[string]any{"from": from}

	got, ok := operation.FromPosition()
	if !ok || !got.Equal(from) {
		t.Fatalf("FromPosition() = %+v, %v", got, ok)
	}

	// Same operation after a wire round trip.
	encoded, err := json.Marshal(operation)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Operation
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, ok = decoded.FromPosition()
	if !ok || !got.Equal(from) {
		t.Fatalf("FromPosition() after round trip = %+v, %v", got, ok)
	}
}

func TestNewSnapshotsClock(t *testing.T) {
	vc := clock.VectorClock{"n1": 1}
	operation := New(Insert, "n1", vc, Position{}, "x")
	vc["n1"] = 9
	if operation.Clock["n1"] != 1 {
		t.Fatalf("operation clock aliased its source: %v", operation.Clock)
	}
}
