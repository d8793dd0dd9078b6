package loader

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBudgets(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "budgets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestBudgetLoaderLoadsAndNormalizes(t *testing.T) {
	path := writeBudgets(t, t.TempDir(), `
budgets:
  Binance:
    max_calls_per_minute: 120
    safety_fraction: 0.5
  coingecko:
    max_calls_per_minute: 30
`)
	l, err := NewBudgetLoader(path, false)
	require.NoError(t, err)
	snap := l.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
	require.Contains(t, snap.Budgets, "binance")
	assert.Equal(t, time.Second, snap.Budgets["binance"].MinInterval())
	assert.Equal(t, 1.0, snap.Budgets["coingecko"].SafetyFraction)
	assert.Equal(t, 2*time.Second, snap.Budgets["coingecko"].MinInterval())
}

func TestBudgetLoaderRejectsUnknownFields(t *testing.T) {
	path := writeBudgets(t, t.TempDir(), `
budgets:
  binance:
    max_calls_per_minute: 120
    burst: 3
`)
	_, err := NewBudgetLoader(path, false)
	assert.Error(t, err)
}

func TestBudgetLoaderRejectsInvalidValues(t *testing.T) {
	path := writeBudgets(t, t.TempDir(), `
budgets:
  gate:
    max_calls_per_minute: 0
`)
	_, err := NewBudgetLoader(path, false)
	assert.Error(t, err)
}

func TestBudgetLoaderReloadNotifiesSubscribers(t *testing.T) {
	dir := t.TempDir()
	path := writeBudgets(t, dir, "budgets:\n  gate:\n    max_calls_per_minute: 60\n")
	l, err := NewBudgetLoader(path, false)
	require.NoError(t, err)

	var got []BudgetSnapshot
	l.Subscribe(func(s BudgetSnapshot) { got = append(got, s) })
	require.Len(t, got, 1)
	assert.Equal(t, 60, got[0].Budgets["gate"].MaxCallsPerMinute)

	writeBudgets(t, dir, "budgets:\n  gate:\n    max_calls_per_minute: 30\n")
	require.NoError(t, l.Reload())
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[1].Version)
	assert.Equal(t, 30, got[1].Budgets["gate"].MaxCallsPerMinute)
}

func TestBudgetLoaderKeepsSnapshotOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeBudgets(t, dir, "budgets:\n  gate:\n    max_calls_per_minute: 60\n")
	l, err := NewBudgetLoader(path, false)
	require.NoError(t, err)
	writeBudgets(t, dir, "budgets: [oops")
	assert.Error(t, l.Reload())
	assert.Equal(t, 60, l.Snapshot().Budgets["gate"].MaxCallsPerMinute)
}

func TestBudgetLoaderWatchesUntilClosed(t *testing.T) {
	dir := t.TempDir()
	path := writeBudgets(t, dir, "budgets:\n  gate:\n    max_calls_per_minute: 60\n")
	l, err := NewBudgetLoader(path, true)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		last BudgetSnapshot
	)
	l.Subscribe(func(s BudgetSnapshot) {
		mu.Lock()
		last = s
		mu.Unlock()
	})
	current := func() int {
		mu.Lock()
		defer mu.Unlock()
		return last.Budgets["gate"].MaxCallsPerMinute
	}

	writeBudgets(t, dir, "budgets:\n  gate:\n    max_calls_per_minute: 30\n")
	assert.Eventually(t, func() bool { return current() == 30 }, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	writeBudgets(t, dir, "budgets:\n  gate:\n    max_calls_per_minute: 15\n")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 30, current())
	assert.Equal(t, 30, l.Snapshot().Budgets["gate"].MaxCallsPerMinute)
}

func TestBudgetLoaderCloseWithoutWatch(t *testing.T) {
	path := writeBudgets(t, t.TempDir(), "budgets:\n  gate:\n    max_calls_per_minute: 60\n")
	l, err := NewBudgetLoader(path, false)
	require.NoError(t, err)
	assert.NoError(t, l.Close())
}
