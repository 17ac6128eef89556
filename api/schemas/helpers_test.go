package schemas_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// -- Test Helpers --

// getTestTime provides a fixed, reproducible timestamp so generated task ids
// and inception dates are stable across runs.
func getTestTime(t *testing.T) time.Time {
	ts, err := time.Parse(time.RFC3339, "2026-08-25T10:30:00Z")
	require.NoError(t, err, "Test setup failed: unable to parse fixed timestamp")
	return ts
}
