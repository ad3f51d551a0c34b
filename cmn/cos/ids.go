package cos

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/teris-io/shortid"
)

// uuidABC mirrors the teacher's alphabet for shortid-based tie-breaking ids
// (the GenTie ids below).
const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var sid *shortid.Shortid

func init() {
	s, err := shortid.New(1, uuidABC, 2181)
	if err != nil {
		panic(fmt.Sprintf("cos: shortid init: %v", err))
	}
	sid = s
}

// GenTie returns a short (~9 char) identifier used to disambiguate
// concurrently-created records that don't need full uuid4 entropy —
// e.g. the msg_id and session fields of execution-kernel message
// headers. Node identities and kernel ids use GenKernelID instead.
// Grounded on cmn/cos.GenUUID.
func GenTie() string {
	v, err := sid.Generate()
	if err != nil {
		// shortid is seeded and practically infallible; fall back to a
		// uuid4 rather than propagating an error from an id helper.
		return uuid.NewString()
	}
	return v
}

// GenKernelID returns a uuid4 string, per spec.md §8 scenario 1
// ("kernel_id a uuid4 string").
func GenKernelID() string { return uuid.NewString() }

// IsAlphaNice reports whether s looks like a well-formed node identity
// suffix: letters, digits, dashes and underscores only, not starting or
// ending on a dash/underscore.
func IsAlphaNice(s string) bool {
	l := len(s)
	if l == 0 {
		return false
	}
	for i := 0; i < l; i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			continue
		case c == '-' || c == '_':
			if i == 0 || i == l-1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// SplitIdentity parses a "<role> <uuid>" node identity, as assigned by
// every non-master node (spec.md §3). The master's identity is the bare
// literal "master" and has no role/uuid split.
func SplitIdentity(id string) (role, uid string, ok bool) {
	parts := strings.SplitN(id, " ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
