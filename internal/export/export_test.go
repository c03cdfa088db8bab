package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vnidsd/internal/logging"
	"vnidsd/internal/model"
)

func TestSink_DisabledWhenURLEmpty(t *testing.T) {
	s, err := New(logging.New("error"), "", "")
	require.NoError(t, err)

	// Callback and PublishStats must be safe no-ops on a disabled sink.
	s.Callback(model.Event{ID: "e1"})
	s.PublishStats(model.Stats{})
	require.NoError(t, s.Close())

	published, dropped := s.Stats()
	assert.Equal(t, int64(0), published)
	assert.Equal(t, int64(0), dropped)
}
