// Package testutil provides channel and timing assertions shared by the
// bridge tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// DefaultWait bounds every blocking assertion that takes no explicit timeout.
const DefaultWait = 2 * time.Second

// Receive returns the next value from ch, failing the test after DefaultWait.
func Receive[T any](t testing.TB, ch <-chan T, msgAndArgs ...any) T {
	t.Helper()
	return ReceiveWithin(t, ch, DefaultWait, msgAndArgs...)
}

// ReceiveWithin returns the next value from ch, failing the test after wait.
func ReceiveWithin[T any](t testing.TB, ch <-chan T, wait time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(wait):
		assert.Fail(t, "nothing received within "+wait.String(), msgAndArgs...)
		t.FailNow()
		var zero T
		return zero
	}
}

// NoReceive asserts that nothing arrives on ch for wait.
func NoReceive[T any](t testing.TB, ch <-chan T, wait time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case v := <-ch:
		assert.Fail(t, fmt.Sprintf("unexpected value received: %v", v), msgAndArgs...)
	case <-time.After(wait):
	}
}

// WaitClosed fails the test unless done is closed within DefaultWait.
func WaitClosed(t testing.TB, done <-chan struct{}, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(DefaultWait):
		assert.Fail(t, "channel not closed within "+DefaultWait.String(), msgAndArgs...)
		t.FailNow()
	}
}

// AssertDurationWithin asserts that actual is within tolerance of expected.
func AssertDurationWithin(t testing.TB, expected, actual, tolerance time.Duration, msgAndArgs ...any) {
	t.Helper()

	diff := expected - actual
	if diff < 0 {
		diff = -diff
	}

	assert.LessOrEqual(t, diff, tolerance, msgAndArgs...)
}
