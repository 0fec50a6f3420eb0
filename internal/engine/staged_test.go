package engine

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapReader map[string]Record

func (m mapReader) Get(key string) (Record, bool, error) {
	rec, ok := m[key]
	return rec, ok, nil
}

func (m mapReader) Scan(fn func(Record) bool) error {
	for _, key := range []string{"a", "b", "c", "d"} {
		if rec, ok := m[key]; ok && !fn(rec) {
			return nil
		}
	}
	return nil
}

func (m mapReader) ExpiredKeys(now time.Time) ([]string, error) {
	var keys []string
	for key, rec := range m {
		if rec.Expired(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func TestStagedOverlay(t *testing.T) {
	base := mapReader{
		"a": {Key: "a", Value: []byte("1")},
		"b": {Key: "b", Value: []byte("2")},
	}
	tx := NewStaged(base, false)
	assert.False(t, tx.Dirty())

	require.NoError(t, tx.Put(Record{Key: "c", Value: []byte("3")}))
	require.NoError(t, tx.Delete("a"))

	_, ok, err := tx.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, ok, err := tx.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", string(rec.Value))

	var keys []string
	require.NoError(t, tx.Scan(func(rec Record) bool {
		keys = append(keys, rec.Key)
		return true
	}))
	assert.Equal(t, []string{"b", "c"}, keys)

	cleared, puts, deletes := tx.Pending()
	assert.False(t, cleared)
	assert.Equal(t, []string{"a"}, deletes)
	if diff := cmp.Diff([]Record{{Key: "c", Value: []byte("3")}}, puts); diff != "" {
		t.Errorf("pending puts mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, base, 2, "base must not be touched")
}

func TestStagedPutCopiesValue(t *testing.T) {
	tx := NewStaged(mapReader{}, false)
	value := []byte("hammer")
	require.NoError(t, tx.Put(Record{Key: "a", Value: value}))
	value[0] = 'H'

	rec, _, err := tx.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "hammer", string(rec.Value))
}

func TestStagedClearHidesBase(t *testing.T) {
	tx := NewStaged(mapReader{"a": {Key: "a"}}, false)
	require.NoError(t, tx.Clear())
	require.NoError(t, tx.Put(Record{Key: "d", Value: []byte("4")}))

	_, ok, err := tx.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)

	var keys []string
	require.NoError(t, tx.Scan(func(rec Record) bool {
		keys = append(keys, rec.Key)
		return true
	}))
	assert.Equal(t, []string{"d"}, keys)

	cleared, _, _ := tx.Pending()
	assert.True(t, cleared)
}

func TestStagedReadOnly(t *testing.T) {
	tx := NewStaged(mapReader{}, true)
	assert.ErrorIs(t, tx.Put(Record{Key: "a"}), ErrReadOnly)
	assert.ErrorIs(t, tx.Delete("a"), ErrReadOnly)
	assert.ErrorIs(t, tx.Clear(), ErrReadOnly)
	assert.False(t, tx.Dirty())
}

func TestStagedRejectsEmptyKey(t *testing.T) {
	tx := NewStaged(mapReader{}, false)
	assert.ErrorIs(t, tx.Put(Record{Value: []byte("x")}), ErrEmptyKey)
}

func TestStagedExpiredKeysMergesWrites(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := mapReader{
		"a": {Key: "a", ExpiresAt: now.Add(-time.Minute)},
		"b": {Key: "b", ExpiresAt: now.Add(-3 * time.Minute)},
		"c": {Key: "c", ExpiresAt: now.Add(time.Hour)},
	}
	tx := NewStaged(base, false)

	// Refreshing b moves it out of the expired set, c is rewritten as expired.
	require.NoError(t, tx.Put(Record{Key: "b", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, tx.Put(Record{Key: "c", ExpiresAt: now.Add(-2 * time.Minute)}))
	require.NoError(t, tx.Put(Record{Key: "d", ExpiresAt: now}))

	keys, err := tx.ExpiredKeys(now)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "d"}, keys)
}

func TestRecordExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.False(t, Record{}.Expired(now))
	assert.True(t, Record{ExpiresAt: now}.Expired(now))
	assert.False(t, Record{ExpiresAt: now.Add(time.Millisecond)}.Expired(now))
}

func TestCheckPartition(t *testing.T) {
	for _, p := range Partitions {
		assert.NoError(t, CheckPartition(p))
	}
	assert.ErrorIs(t, CheckPartition("ledger"), ErrUnknownPartition)
}
