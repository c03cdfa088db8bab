package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"vnidsd/internal/logging"
	"vnidsd/internal/model"
)

func openTestStore(t *testing.T, cap int64) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(logging.New("error"), path, cap)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleEvent(id string, seconds int64) model.Event {
	return model.Event{
		ID:       id,
		Seconds:  seconds,
		Kind:     model.KindAlert,
		Severity: model.SeverityHigh,
		Protocol: model.ProtocolTCP,
		Source:   model.Endpoint{Address: "10.0.0.5", Port: 1234},
		Destination: model.Endpoint{Address: "10.0.0.6", Port: 80},
		Rule:     model.Rule{SignatureID: 1000001, GroupID: 1},
		Message:  "TCP SYN flood",
	}
}

func TestStore_InsertAndQueryRecent(t *testing.T) {
	s := openTestStore(t, 100)

	require.NoError(t, s.Insert(sampleEvent("e1", 1000)))

	rows, err := s.QueryRecent(1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "e1", rows[0].Event.ID)
	require.Equal(t, model.SeverityHigh, rows[0].Event.Severity)
	require.Equal(t, model.ProtocolTCP, rows[0].Event.Protocol)
	require.Equal(t, int64(1000001), rows[0].Event.Rule.SignatureID)
	require.Equal(t, "TCP SYN flood", rows[0].Event.Message)

	count, err := s.Count()
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestStore_QueryRecentOrdering(t *testing.T) {
	s := openTestStore(t, 100)

	for i := int64(0); i < 5; i++ {
		require.NoError(t, s.Insert(sampleEvent("e", 1000+i)))
	}

	rows, err := s.QueryRecent(3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, int64(1004), rows[0].Event.Seconds)
	require.Equal(t, int64(1003), rows[1].Event.Seconds)
	require.Equal(t, int64(1002), rows[2].Event.Seconds)
}

func TestStore_QueryRecentCapsAtCount(t *testing.T) {
	s := openTestStore(t, 100)
	require.NoError(t, s.Insert(sampleEvent("e1", 1)))

	rows, err := s.QueryRecent(50)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestStore_EvictionOnOverCap(t *testing.T) {
	s := openTestStore(t, 10)

	// Eviction is only checked every evictBatch (1000) inserts, so insert
	// exactly evictBatch rows to reach the first check.
	for i := int64(0); i < evictBatch; i++ {
		require.NoError(t, s.Insert(sampleEvent("e", i)))
	}

	count, err := s.Count()
	require.NoError(t, err)
	require.LessOrEqual(t, count, int64(10))

	inserted, deleted, _ := s.Stats()
	require.Equal(t, int64(evictBatch), inserted)
	require.Greater(t, deleted, int64(0))
}

func TestStore_ArchiveHookCalledOnEviction(t *testing.T) {
	s := openTestStore(t, 10)

	var archived []Row
	s.SetArchiveFunc(func(rows []Row) error {
		archived = append(archived, rows...)
		return nil
	})

	for i := int64(0); i < evictBatch; i++ {
		require.NoError(t, s.Insert(sampleEvent("e", i)))
	}

	require.NotEmpty(t, archived)
}
