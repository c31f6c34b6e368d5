package cache

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	// Suppress verbose engine logs during tests to speed up CI
	// Set DEBUG_TESTS=1 to see full logs: DEBUG_TESTS=1 go test ./cache/... -v
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.WarnLevel)
	}
	// Unit tests run against the in-package fake backend; the real
	// backends are covered in cache/store.
	NewTierBackendFunc = func(cfg TierConfig, blockBytes int) (TierBackend, error) {
		return newFakeBackend(), nil
	}
	os.Exit(m.Run())
}
