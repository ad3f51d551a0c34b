package node

import (
	"testing"
	"time"

	"github.com/kernelfabric/kernelfabric/wire"
)

func TestPeerTableTouchCreatesAndRefreshesLastSeen(t *testing.T) {
	tbl := newPeerTable()
	t0 := time.Now()
	tbl.touch("provider-1", t0)

	info, ok := tbl.get("provider-1")
	if !ok {
		t.Fatal("expected peer to be present after touch")
	}
	if !info.LastSeen.Equal(t0) {
		t.Errorf("LastSeen = %v, want %v", info.LastSeen, t0)
	}

	t1 := t0.Add(time.Second)
	tbl.touch("provider-1", t1)
	info, _ = tbl.get("provider-1")
	if !info.LastSeen.Equal(t1) {
		t.Errorf("LastSeen after second touch = %v, want %v", info.LastSeen, t1)
	}
}

func TestPeerTableSetRoleFirstTime(t *testing.T) {
	tbl := newPeerTable()
	if first := tbl.setRole("client-1", wire.RoleClient); !first {
		t.Error("setRole should report firstTime=true for a never-seen peer")
	}
	if first := tbl.setRole("client-1", wire.RoleClient); first {
		t.Error("setRole should report firstTime=false once a role is already recorded")
	}
}

func TestPeerTableRemove(t *testing.T) {
	tbl := newPeerTable()
	tbl.touch("p", time.Now())
	tbl.remove("p")
	if _, ok := tbl.get("p"); ok {
		t.Fatal("peer should be gone after remove")
	}
}

func TestPeerTableSnapshotIsACopy(t *testing.T) {
	tbl := newPeerTable()
	tbl.touch("a", time.Now())
	tbl.touch("b", time.Now())
	snap := tbl.snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	tbl.remove("a")
	if len(snap) != 2 {
		t.Fatal("snapshot should not be affected by later mutation")
	}
}
