package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type prefixes for stored entities.
const (
	User       = "usr"
	Role       = "rol"
	Permission = "prm"
	Audit      = "aud"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewPrefixed returns "<prefix>_<ulid>", keeping ids of one kind sortable by creation time.
func NewPrefixed(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return New()
	}
	return prefix + "_" + strings.ToLower(New())
}

// HasPrefix reports whether id was minted by NewPrefixed(prefix).
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
