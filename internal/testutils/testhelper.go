package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every blocking call made from tests.
const DefaultTimeout = 2 * time.Second

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Context returns a context cancelled after DefaultTimeout or at test cleanup.
func (h *TestHelper) Context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	h.T.Cleanup(cancel)
	return ctx
}

// WaitClosed fails the test if ch is not closed within DefaultTimeout.
func (h *TestHelper) WaitClosed(ch <-chan struct{}, what string) {
	h.T.Helper()
	select {
	case <-ch:
	case <-time.After(DefaultTimeout):
		h.T.Fatalf("timed out waiting for %s", what)
	}
}
