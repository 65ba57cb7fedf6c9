package testutil

import (
	"testing"
)

// AssertMsg fails the test with the given message if the condition is false
func AssertMsg(t *testing.T, cond bool, message string) {
	t.Helper()
	if !cond {
		FailMsg(t, message)
	}
}

// AssertMsgf fails the test with the given format string if the condition is
// false
func AssertMsgf(t *testing.T, cond bool, format string, args ...interface{}) {
	t.Helper()
	if !cond {
		FailMsgf(t, format, args...)
	}
}
