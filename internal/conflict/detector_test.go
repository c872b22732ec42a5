package conflict

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

const conflicted = `<<<<<<< HEAD
0002_main
=======
0002_feature_x
>>>>>>> feature-x
`

// TestDetect_NoMarkers verifies that conflict-free content yields no record.
func TestDetect_NoMarkers(t *testing.T) {
	for _, raw := range []string{"", "0003_add_field\n", "  0001_initial  "} {
		record, err := Detect("orders", raw)
		require.NoError(t, err)
		assert.Nil(t, record)
	}
}

// TestDetect_Conflict verifies that both sides are extracted and trimmed.
func TestDetect_Conflict(t *testing.T) {
	record, err := Detect("orders", conflicted)
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, "orders", record.App)
	assert.Equal(t, model.MigrationName("0002_main"), record.Head)
	assert.Equal(t, model.MigrationName("0002_feature_x"), record.Incoming)
	assert.Equal(t, conflicted, record.Raw)
}

// TestDetect_Variants covers CRLF line endings, padding whitespace and the
// diff3 base section.
func TestDetect_Variants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "crlf",
			raw:  "<<<<<<< HEAD\r\n0002_main\r\n=======\r\n0002_feature_x\r\n>>>>>>> abc123 (add feature x)\r\n",
		},
		{
			name: "padded names",
			raw:  "<<<<<<< HEAD\n   0002_main   \n\n=======\n\t0002_feature_x\n>>>>>>> feature\n",
		},
		{
			name: "diff3 base",
			raw:  "<<<<<<< HEAD\n0002_main\n||||||| merged common ancestors\n0001_initial\n=======\n0002_feature_x\n>>>>>>> feature\n",
		},
		{
			name: "no trailing newline",
			raw:  "<<<<<<< HEAD\n0002_main\n=======\n0002_feature_x\n>>>>>>> feature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, err := Detect("orders", tt.raw)
			require.NoError(t, err)
			require.NotNil(t, record)
			assert.Equal(t, model.MigrationName("0002_main"), record.Head)
			assert.Equal(t, model.MigrationName("0002_feature_x"), record.Incoming)
		})
	}
}

// TestDetect_Malformed verifies that broken blocks are parse errors scoped
// to the module.
func TestDetect_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"head without separator", "<<<<<<< HEAD\n0002_main\n"},
		{"missing close marker", "<<<<<<< HEAD\n0002_main\n=======\n0002_feature_x\n"},
		{"separator without head", "0002_main\n=======\n0002_feature_x\n>>>>>>> feature\n"},
		{"close without separator", "<<<<<<< HEAD\n0002_main\n>>>>>>> feature\n"},
		{"empty head side", "<<<<<<< HEAD\n=======\n0002_feature_x\n>>>>>>> feature\n"},
		{"two incoming names", "<<<<<<< HEAD\n0002_main\n=======\n0002_a\n0003_b\n>>>>>>> feature\n"},
		{"invalid name", "<<<<<<< HEAD\n2_main\n=======\n0002_feature_x\n>>>>>>> feature\n"},
		{"two blocks", conflicted + conflicted},
		{"content outside", "0001_initial\n" + conflicted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, err := Detect("orders", tt.raw)
			require.Error(t, err)
			assert.Nil(t, record)

			var pe *model.ParseError
			require.True(t, errors.As(err, &pe), "expected *model.ParseError, got %T", err)
			assert.Equal(t, "orders", pe.App)
		})
	}
}

// TestReadTracking reads tracking files from disk in every supported state.
func TestReadTracking(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	t.Run("clean", func(t *testing.T) {
		state, err := ReadTracking("orders", write("clean.txt", "0003_add_field\n"))
		require.NoError(t, err)
		assert.False(t, state.HasConflict())
		assert.Equal(t, model.MigrationName("0003_add_field"), state.Current)
	})

	t.Run("conflicted", func(t *testing.T) {
		state, err := ReadTracking("orders", write("conflict.txt", conflicted))
		require.NoError(t, err)
		require.True(t, state.HasConflict())
		assert.Equal(t, model.MigrationName("0002_main"), state.Conflict.Head)
		assert.Empty(t, state.Current)
	})

	t.Run("empty", func(t *testing.T) {
		state, err := ReadTracking("orders", write("empty.txt", "\n"))
		require.NoError(t, err)
		assert.False(t, state.HasConflict())
		assert.Empty(t, state.Current)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ReadTracking("orders", write("garbage.txt", "not a migration\n"))
		var pe *model.ParseError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "orders", pe.App)
	})

	t.Run("multiple lines", func(t *testing.T) {
		_, err := ReadTracking("orders", write("multi.txt", "0001_initial\n0002_next\n"))
		assert.Error(t, err)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := ReadTracking("orders", filepath.Join(dir, "nope.txt"))
		var pe *model.ParseError
		require.True(t, errors.As(err, &pe))
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})
}
