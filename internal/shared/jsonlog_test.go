package shared

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLogger_WritesArray(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLoggerWriter(&buf, false)

	finished := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.WriteRecord(ProbeRecord{
		FinishedAt: finished,
		Remote:     "192.0.2.1:443",
		Local:      "10.0.0.1:51000",
		SourcePort: 33457,
		Path:       "/tmp/2024/05/01/x.paris",
		OK:         true,
		Duration:   2 * time.Second,
		Bytes:      812,
	}))
	require.NoError(t, l.WriteRecord(ProbeRecord{
		FinishedAt: finished,
		Remote:     "192.0.2.2:80",
		Slot:       1,
		SourcePort: 33458,
		Error:      "process timed out",
	}))
	require.NoError(t, l.Close())

	var got []ProbeRecord
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.True(t, got[0].OK)
	assert.Equal(t, 812, got[0].Bytes)
	assert.Equal(t, "process timed out", got[1].Error)
	assert.Equal(t, 33458, got[1].SourcePort)
}

func TestJSONLogger_EmptyJournalIsValid(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLoggerWriter(&buf, true)
	require.NoError(t, l.Close())

	var got []ProbeRecord
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Empty(t, got)
}

func TestNewJSONLogger(t *testing.T) {
	l, err := NewJSONLogger("", false)
	require.NoError(t, err)
	assert.Nil(t, l)
	assert.NoError(t, l.WriteRecord(ProbeRecord{}))
	assert.NoError(t, l.Close())

	path := filepath.Join(t.TempDir(), "journal.json")
	l, err = NewJSONLogger(path, true)
	require.NoError(t, err)
	require.NoError(t, l.WriteRecord(ProbeRecord{Remote: "192.0.2.1:443", OK: true}))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got []ProbeRecord
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "192.0.2.1:443", got[0].Remote)

	_, err = NewJSONLogger(filepath.Join(t.TempDir(), "missing", "journal.json"), false)
	assert.Error(t, err)
}
