package app

import (
	"os"
	"strconv"
)

// TestModeEnv names the variable that makes the binaries exit before
// connecting to PostgreSQL and Redis.
const TestModeEnv = "WMS_TEST_MODE"

// InTestMode reports whether TestModeEnv holds a true value ("1", "true").
// The environment is read on every call so a guard set later still applies.
func InTestMode() bool {
	on, err := strconv.ParseBool(os.Getenv(TestModeEnv))
	return err == nil && on
}
