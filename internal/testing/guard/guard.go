// Package guard forces test mode for packages whose tests must never touch
// live infrastructure. Blank-import it from such tests.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("ACCOUNTING_TEST_MODE") == "" {
			_ = os.Setenv("ACCOUNTING_TEST_MODE", "1")
		}
	})
}
