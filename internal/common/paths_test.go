package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportPaths(t *testing.T) {
	t.Parallel()

	// Paths as they arrive from a billy or NFS caller: the first component
	// names a subvolume, the rest is relative to its root.
	tests := []struct {
		name       string
		input      string
		normalized string
		parts      []string
	}{
		{"export root", "/", "", nil},
		{"empty", "", "", nil},
		{"dot", ".", "", nil},
		{"subvolume", "/create_ops", "create_ops", []string{"create_ops"}},
		{"trailing slash", "create_ops/hello/", "create_ops/hello", []string{"create_ops", "hello"}},
		{"repeated slashes", "//create_ops//hello//world", "create_ops/hello/world", []string{"create_ops", "hello", "world"}},
		{"dot components", "./create_ops/./hello", "create_ops/hello", []string{"create_ops", "hello"}},
		{"dotdot inside", "create_ops/hello/../goodbye", "create_ops/goodbye", []string{"create_ops", "goodbye"}},
		{"dotdot to root", "create_ops/..", "", nil},
		{"temp name", "/mutate_ops/o257-7-0", "mutate_ops/o257-7-0", []string{"mutate_ops", "o257-7-0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.normalized, NormalizePath(tt.input), "NormalizePath(%q)", tt.input)
			assert.Equal(t, tt.parts, SplitPath(tt.input), "SplitPath(%q)", tt.input)
			assert.Equal(t, tt.normalized, JoinPath(tt.parts...), "JoinPath(%v)", tt.parts)
		})
	}
}

func TestJoinPath_SymlinkTargets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		parts []string
		want  string
	}{
		{"relative target", []string{"create_ops", "hello/world"}, "create_ops/hello/world"},
		{"target climbs", []string{"create_ops/hello", "../goodbye"}, "create_ops/goodbye"},
		{"absolute target", []string{"create_ops", "/hello/world"}, "create_ops/hello/world"},
		{"empty pieces", []string{"", "create_ops", "", "fifo"}, "create_ops/fifo"},
		{"nothing", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, JoinPath(tt.parts...))
		})
	}
}

func TestSplitStreamPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"root", "", nil, false},
		{"slash", "/", nil, false},
		{"simple", "hello/world", []string{"hello", "world"}, false},
		{"dots dropped", "./hello/./world", []string{"hello", "world"}, false},
		{"double slash", "hello//world", []string{"hello", "world"}, false},
		{"temp name", "o257-7-0", []string{"o257-7-0"}, false},
		{"dotdot rejected", "hello/../world", nil, true},
		{"leading dotdot rejected", "../x", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := SplitStreamPath(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
