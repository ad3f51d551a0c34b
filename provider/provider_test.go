package provider

import (
	"encoding/json"
	"testing"

	"github.com/kernelfabric/kernelfabric/cmn/cos"
	"github.com/pkg/errors"
)

// TestReserveEnforcesCapacity exercises spec.md §8's provider capacity
// invariant: |workers| <= limit, checked authoritatively at reserve time
// so a second SPAWN_KERNEL racing in sees the slot already taken.
func TestReserveEnforcesCapacity(t *testing.T) {
	p := &Provider{workers: make(map[string]*workerRecord), limit: 2}

	rec1, err := p.reserve(nil)
	if err != nil {
		t.Fatalf("first reserve should succeed under limit=2: %v", err)
	}
	rec2, err := p.reserve(nil)
	if err != nil {
		t.Fatalf("second reserve should succeed under limit=2: %v", err)
	}
	if rec1.uuid == rec2.uuid {
		t.Fatal("reserve should generate distinct uuids")
	}
	if _, err := p.reserve(nil); !errors.Is(err, cos.ErrCapacityExceeded) {
		t.Fatalf("third reserve should fail with ErrCapacityExceeded once limit=2 is reached, got %v", err)
	}

	p.forget(rec1.uuid)
	if _, err := p.reserve(nil); err != nil {
		t.Fatalf("reserve should succeed again once a slot is freed: %v", err)
	}
}

func TestReserveStoresInfoVerbatim(t *testing.T) {
	p := &Provider{workers: make(map[string]*workerRecord), limit: 1}
	info := json.RawMessage(`{"db":{"host":"h"}}`)
	rec, err := p.reserve(info)
	if err != nil {
		t.Fatalf("reserve should succeed: %v", err)
	}
	if string(rec.info) != string(info) {
		t.Errorf("stored info = %s, want %s", rec.info, info)
	}
}

func TestForgetAbsentIsNoop(t *testing.T) {
	p := &Provider{workers: make(map[string]*workerRecord), limit: 1}
	p.forget("nonexistent")
	if len(p.workers) != 0 {
		t.Fatal("forget on an absent uuid should not panic or alter the map")
	}
}
