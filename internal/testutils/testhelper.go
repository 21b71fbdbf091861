package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every wait performed by test helpers.
const DefaultTimeout = 5 * time.Second

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Context returns a context bounded by DefaultTimeout and cancelled on test cleanup.
func (h *TestHelper) Context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	h.T.Cleanup(cancel)
	return ctx
}

// ProjectFile reads a file relative to the module root.
func ProjectFile(relPath string) ([]byte, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	root := wd
	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(root)
		if parent == root {
			return nil, fmt.Errorf("could not find project root (go.mod not found)")
		}
		root = parent
	}

	path := filepath.Join(root, relPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return data, nil
}
