package workorders

import (
	"math/rand/v2"
	"regexp"
	"sync"
)

const (
	accessKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	accessKeyGroups   = 3
	accessKeyGroupLen = 4
	// AccessKeyLength is the full key length including separators.
	AccessKeyLength = accessKeyGroups*accessKeyGroupLen + accessKeyGroups - 1
)

var accessKeyPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// IsAccessKey reports whether s has the XXXX-XXXX-XXXX shape.
func IsAccessKey(s string) bool {
	return len(s) == AccessKeyLength && accessKeyPattern.MatchString(s)
}

// AccessKeyGenerator produces tracking codes. It does not check uniqueness.
type AccessKeyGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewAccessKeyGenerator returns a generator. A nil rng uses the runtime's
// global source.
func NewAccessKeyGenerator(rng *rand.Rand) *AccessKeyGenerator {
	return &AccessKeyGenerator{rng: rng}
}

// Generate returns a new candidate key.
func (g *AccessKeyGenerator) Generate() string {
	buf := make([]byte, 0, AccessKeyLength)
	for group := 0; group < accessKeyGroups; group++ {
		if group > 0 {
			buf = append(buf, '-')
		}
		for i := 0; i < accessKeyGroupLen; i++ {
			buf = append(buf, accessKeyAlphabet[g.intN(len(accessKeyAlphabet))])
		}
	}
	return string(buf)
}

func (g *AccessKeyGenerator) intN(n int) int {
	if g == nil || g.rng == nil {
		return rand.IntN(n)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.IntN(n)
}
