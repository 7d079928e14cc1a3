package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateShortStringUntouched(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 100))
}

func TestTruncateRespectsByteBudget(t *testing.T) {
	long := strings.Repeat("a", MaxBodyBytes+500)
	got := Truncate(long, MaxBodyBytes)
	assert.LessOrEqual(t, len(got), MaxBodyBytes)
	assert.Contains(t, got, "truncated")
}

func TestRetryableClassifiesStatusCodes(t *testing.T) {
	assert.True(t, retryable(&apiError{StatusCode: http.StatusBadGateway}))
	assert.True(t, retryable(&apiError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, retryable(&apiError{StatusCode: http.StatusNotFound}))
	assert.False(t, retryable(&apiError{StatusCode: http.StatusUnprocessableEntity}))

	// Wrapped api errors still classify by status.
	wrapped := fmt.Errorf("create check run: %w", &apiError{StatusCode: http.StatusForbidden})
	assert.False(t, retryable(wrapped))

	// Network-level failures retry; context teardown does not.
	assert.True(t, retryable(errors.New("connection reset by peer")))
	assert.False(t, retryable(context.Canceled))
}

func TestTruncateTinyBudgetStaysWithinBudget(t *testing.T) {
	long := strings.Repeat("é", 50)
	for max := 0; max < 25; max++ {
		got := Truncate(long, max)
		assert.LessOrEqual(t, len(got), max, "max=%d", max)
		assert.True(t, utf8.ValidString(got), "max=%d produced invalid UTF-8", max)
	}
}

func TestTruncateNeverSplitsRune(t *testing.T) {
	long := strings.Repeat("é", 200)
	for max := 20; max < 40; max++ {
		got := Truncate(long, max)
		assert.True(t, utf8.ValidString(got), "max=%d produced invalid UTF-8", max)
	}
}
