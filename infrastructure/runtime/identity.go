// Package runtime provides environment/runtime detection helpers shared across the service layer.
package runtime

import (
	"os"
	"strings"
)

// ResetStrictIdentityModeCache exists for tests that mutate environment
// variables. StrictIdentityMode reads the environment on every call, so
// there is nothing cached and this is a no-op.
func ResetStrictIdentityModeCache() {}

// StrictIdentityMode returns true when the service should fail closed on identity/security
// boundaries (e.g. only trust identity headers protected by verified mTLS).
//
// Deploy-injected mutual-TLS credentials and an explicit
// ACTEON_STRICT_IDENTITY=1 count as "strict" too, so a mis-set
// ACTEON_ENV cannot silently weaken trust boundaries.
func StrictIdentityMode() bool {
	env := Env()
	forced := strings.TrimSpace(os.Getenv("ACTEON_STRICT_IDENTITY")) == "1" ||
		ParseBoolValue(os.Getenv("STRICT_IDENTITY_MODE"))
	hasActeonTLS := strings.TrimSpace(os.Getenv("ACTEON_TLS_CERT")) != "" &&
		strings.TrimSpace(os.Getenv("ACTEON_TLS_KEY")) != "" &&
		strings.TrimSpace(os.Getenv("ACTEON_TLS_ROOT_CA")) != ""
	return env == Production || forced || hasActeonTLS
}
