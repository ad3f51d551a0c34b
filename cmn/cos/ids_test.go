package cos_test

import (
	"testing"

	"github.com/kernelfabric/kernelfabric/cmn/cos"
)

func TestGenKernelIDIsUUID4Shaped(t *testing.T) {
	id := cos.GenKernelID()
	if len(id) != 36 {
		t.Fatalf("GenKernelID() = %q, want a 36-char uuid4 string", id)
	}
	if id[8] != '-' || id[13] != '-' || id[18] != '-' || id[23] != '-' {
		t.Errorf("GenKernelID() = %q, dash positions don't match uuid4 layout", id)
	}
}

func TestGenTieUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := cos.GenTie()
		if seen[id] {
			t.Fatalf("GenTie() produced a duplicate: %q", id)
		}
		seen[id] = true
	}
}

func TestSplitIdentity(t *testing.T) {
	role, uid, ok := cos.SplitIdentity("provider abc-123")
	if !ok || role != "provider" || uid != "abc-123" {
		t.Errorf("SplitIdentity = (%q, %q, %v), want (provider, abc-123, true)", role, uid, ok)
	}
	if _, _, ok := cos.SplitIdentity("master"); ok {
		t.Errorf("SplitIdentity(master) should fail to split (no role/uuid separator)")
	}
}

func TestIsAlphaNice(t *testing.T) {
	good := []string{"abc", "a-b", "a_b123"}
	bad := []string{"", "-abc", "abc-", "a b", "a/b"}
	for _, s := range good {
		if !cos.IsAlphaNice(s) {
			t.Errorf("IsAlphaNice(%q) = false, want true", s)
		}
	}
	for _, s := range bad {
		if cos.IsAlphaNice(s) {
			t.Errorf("IsAlphaNice(%q) = true, want false", s)
		}
	}
}
