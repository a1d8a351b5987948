package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dima1203oleg/predator-analytics/internal/domain"
	"github.com/dima1203oleg/predator-analytics/internal/infra"
)

type memoryStorage struct {
	mu      sync.Mutex
	batches [][]domain.AuditEntry
	session string
	err     error
	writes  int
}

func (m *memoryStorage) WriteBatch(_ context.Context, session string, entries []domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.err != nil {
		return m.err
	}
	m.session = session
	m.batches = append(m.batches, append([]domain.AuditEntry(nil), entries...))
	return nil
}

func (m *memoryStorage) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *memoryStorage) attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memoryStorage) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, b := range m.batches {
		for _, e := range b {
			out = append(out, e.ID)
		}
	}
	return out
}

func entries(ids ...string) []domain.AuditEntry {
	out := make([]domain.AuditEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.AuditEntry{ID: id, Action: "update"})
	}
	return out
}

func TestArchive_DeduplicatesAndDrainsOnStop(t *testing.T) {
	store := &memoryStorage{}
	a, err := NewArchive(store, Options{Session: "main", FlushInterval: time.Hour}, zap.NewNop(), nil)
	require.NoError(t, err)
	a.Start()

	// Каждый снапшот приносит список целиком
	a.LogAll(entries("a1", "a2"))
	a.LogAll(entries("a1", "a2", "a3"))
	a.LogAll(entries("a3", "", "a4"))

	a.Stop()

	assert.Equal(t, []string{"a1", "a2", "a3", "a4"}, store.ids())
	assert.Equal(t, "main", store.session)
}

func TestArchive_FlushesByBatchSize(t *testing.T) {
	store := &memoryStorage{}
	metrics := infra.NewMetrics(nil)
	a, err := NewArchive(store, Options{BatchSize: 2, FlushInterval: time.Hour}, zap.NewNop(), metrics)
	require.NoError(t, err)
	a.Start()
	defer a.Stop()

	a.LogAll(entries("a1", "a2"))
	require.Eventually(t, func() bool { return len(store.ids()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.AuditArchived))
}

func TestArchive_FlushesByTicker(t *testing.T) {
	store := &memoryStorage{}
	a, err := NewArchive(store, Options{FlushInterval: 10 * time.Millisecond}, zap.NewNop(), nil)
	require.NoError(t, err)
	a.Start()
	defer a.Stop()

	a.Log(domain.AuditEntry{ID: "solo"})
	require.Eventually(t, func() bool { return len(store.ids()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestArchive_OverflowIsShedAndRetriable(t *testing.T) {
	store := &memoryStorage{}
	metrics := infra.NewMetrics(nil)
	a, err := NewArchive(store, Options{BufferSize: 2, FlushInterval: time.Hour}, zap.NewNop(), metrics)
	require.NoError(t, err)

	// Воркер ещё не запущен: канал переполняется
	for i := 0; i < 5; i++ {
		a.Log(domain.AuditEntry{ID: fmt.Sprintf("e%d", i)})
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.AuditDropped))

	a.Start()
	require.Eventually(t, func() bool { return len(a.ch) == 0 }, time.Second, 5*time.Millisecond)

	// Сброшенная запись приходит повторно со следующим снапшотом
	a.Log(domain.AuditEntry{ID: "e4"})
	a.Stop()
	assert.ElementsMatch(t, []string{"e0", "e1", "e4"}, store.ids())
}

func TestArchive_LogAfterStopIsDropped(t *testing.T) {
	store := &memoryStorage{}
	a, err := NewArchive(store, Options{}, zap.NewNop(), nil)
	require.NoError(t, err)
	a.Start()
	a.Stop()
	a.Stop()

	assert.NotPanics(t, func() { a.Log(domain.AuditEntry{ID: "late"}) })
	assert.Empty(t, store.ids())
}

func TestArchive_StorageErrorIsLogged(t *testing.T) {
	store := &memoryStorage{err: errors.New("db down")}
	metrics := infra.NewMetrics(nil)
	a, err := NewArchive(store, Options{FlushInterval: 10 * time.Millisecond}, zap.NewNop(), metrics)
	require.NoError(t, err)
	a.Start()

	a.Log(domain.AuditEntry{ID: "a1"})
	require.Eventually(t, func() bool { return store.attempts() >= 1 && !a.seen.Contains("a1") }, time.Second, 5*time.Millisecond)
	assert.Empty(t, store.ids())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.AuditArchived))

	// База поднялась: следующий снапшот приносит ту же запись, и она доезжает
	store.setErr(nil)
	a.LogAll(entries("a1"))
	a.Stop()

	assert.Equal(t, []string{"a1"}, store.ids())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditArchived))
}
