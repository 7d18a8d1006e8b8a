// Package testing sets METROCAL_TEST_MODE for any test binary that imports
// it, so code paths guarded by app.InTestMode never dial out.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		if os.Getenv("METROCAL_TEST_MODE") == "" {
			_ = os.Setenv("METROCAL_TEST_MODE", "1")
		}
	})
}

func init() {
	ensureTestMode()
}

// TestMain runs m with test mode enabled.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
