// Package testutil provides small helpers shared by this module's test
// suites, mirroring the test_utils.rs module the original implementation
// carried.
package testutil

import "testing"

// TempDir returns a fresh temporary directory that t.Cleanup removes.
func TempDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}
