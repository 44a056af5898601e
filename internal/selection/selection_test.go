package selection

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestEvaluate(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.mp4"))
	touch(t, filepath.Join(dir, "nested", "b.mp4"))
	touch(t, filepath.Join(dir, "nested", "deeper", "c.mov"))
	touch(t, filepath.Join(dir, "nested", "notes.txt"))

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "plain file",
			args: []string{filepath.Join(dir, "a.mp4")},
			want: []string{filepath.Join(dir, "a.mp4")},
		},
		{
			name: "recursive pattern",
			args: []string{filepath.Join(dir, "**", "*.mp4")},
			want: []string{filepath.Join(dir, "a.mp4"), filepath.Join(dir, "nested", "b.mp4")},
		},
		{
			name: "brace pattern",
			args: []string{filepath.Join(dir, "nested", "**", "*.{mov,txt}")},
			want: []string{filepath.Join(dir, "nested", "deeper", "c.mov"), filepath.Join(dir, "nested", "notes.txt")},
		},
		{
			name: "duplicates are dropped",
			args: []string{filepath.Join(dir, "a.mp4"), filepath.Join(dir, "*.mp4")},
			want: []string{filepath.Join(dir, "a.mp4")},
		},
		{
			name: "missing file and empty pattern",
			args: []string{filepath.Join(dir, "missing.mp4"), filepath.Join(dir, "*.webm")},
			want: nil,
		},
		{
			name: "directories are skipped",
			args: []string{filepath.Join(dir, "nested")},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewEvaluator(nil, nil, nil).Evaluate(tt.args)
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}
