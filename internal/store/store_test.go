package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/seqguard/pkg/detectors/socsvm"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "models.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(name string, rho float64) Record {
	return Record{
		Name:      name,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ModelType: "hmm",
		States:    2,
		Channels:  1,
		Model: &socsvm.Model{
			Sol:     []float64{7, 0, 0, 0, 4, 0},
			Rho:     rho,
			C:       1.25,
			Alphas:  []float64{0, 0, 0, 1},
			Support: []int{3},
		},
	}
}

func TestPutGet(t *testing.T) {
	s := openTest(t)

	history := []socsvm.Iterate{{Iteration: 1, Objective: 32.5, Rho: 65, Support: 1, Changed: 4}}
	require.NoError(t, s.Put(record("wind", 65), history))

	got, err := s.Get("wind")
	require.NoError(t, err)
	assert.Equal(t, record("wind", 65), got)

	runs, err := s.Runs("wind")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, history, runs[0].History)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutReplaces(t *testing.T) {
	s := openTest(t)

	first := record("wind", 1)
	second := record("wind", 2)
	second.CreatedAt = first.CreatedAt.Add(time.Hour)

	require.NoError(t, s.Put(first, nil))
	require.NoError(t, s.Put(second, nil))

	got, err := s.Get("wind")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Model.Rho)

	runs, err := s.Runs("wind")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].CreatedAt.Before(runs[1].CreatedAt))
}

func TestPutValidation(t *testing.T) {
	s := openTest(t)

	assert.Error(t, s.Put(Record{Model: &socsvm.Model{}}, nil))
	assert.Error(t, s.Put(Record{Name: "empty"}, nil))

	rec := record("stamped", 1)
	rec.CreatedAt = time.Time{}
	require.NoError(t, s.Put(rec, nil))
	got, err := s.Get("stamped")
	require.NoError(t, err)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestListDelete(t *testing.T) {
	s := openTest(t)

	for _, name := range []string{"b", "a", "ab"} {
		require.NoError(t, s.Put(record(name, 1), nil))
	}

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "ab", "b"}, names)

	require.NoError(t, s.Delete("a"))
	names, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"ab", "b"}, names)

	// Runs of "ab" survive deleting "a"
	runs, err := s.Runs("ab")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	runs, err = s.Runs("a")
	require.NoError(t, err)
	assert.Empty(t, runs)

	assert.ErrorIs(t, s.Delete("a"), ErrNotFound)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(record("wind", 65), nil))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get("wind")
	require.NoError(t, err)
	assert.Equal(t, 65.0, got.Model.Rho)
}
