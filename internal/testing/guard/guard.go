// Package guard switches the process into test mode when imported by a
// test binary, so the cmd entrypoints skip runtime startup.
package guard

import "os"

func init() {
	if os.Getenv("WMS_TEST_MODE") == "" {
		_ = os.Setenv("WMS_TEST_MODE", "1")
	}
}
