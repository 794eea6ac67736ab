// Copyright 2024 btrfsdiff Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrfsdiff/internal/demo"
)

func resetFlags() {
	logLevel = ""
	dumpOffsets = false
	renderSubvolume, renderRulesFile, renderGold, renderFormat = "", "", "", "text"
	renderUpdateGold, renderShowOrphans = false, false
	renderWorkers, fingerprintWorkers, serveWorkers = 0, 0, 0
	demoWriteDir, demoVersion = "", 2
	serveListen = ""
	fingerprintRecord, historyFingerprint = false, ""
}

// run executes the root command. Commands share package state, so callers
// must not run in parallel.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeDemo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	_, err := run(t, "demo", "--write", dir)
	require.NoError(t, err)
	return filepath.Join(dir, demo.CreateName+".stream"), filepath.Join(dir, demo.MutateName+".stream")
}

func demoRulesFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "rules.yaml")
	content := fmt.Sprintf(`time_window:
  start: %s
  end: %s
hide_fields: [uuid, ctransid]
`, demo.BuildStart.Format(time.RFC3339), demo.BuildEnd.Format(time.RFC3339))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func goldFile(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "demo", "testdata", name+".gold"))
	require.NoError(t, err)
	return data
}

func TestCommands(t *testing.T) {
	t.Setenv("BTRFSDIFF_CONFIG_DIR", t.TempDir())
	t.Setenv("BTRFSDIFF_CATALOG", "")
	create, mutate := writeDemo(t)

	t.Run("demo", func(t *testing.T) {
		out, err := run(t, "demo")
		require.NoError(t, err)
		assert.Equal(t, string(goldFile(t, "joint")), out)
	})

	t.Run("dump", func(t *testing.T) {
		out, err := run(t, "dump", "--offsets", create)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		assert.Equal(t, "# send-stream version 2", lines[0])
		assert.Contains(t, lines[1], "subvol")
		assert.Contains(t, lines[1], `"create_ops"`)
		assert.Contains(t, lines[len(lines)-1], "end")
	})

	t.Run("dump missing file", func(t *testing.T) {
		_, err := run(t, "dump", filepath.Join(t.TempDir(), "nope"))
		assert.Error(t, err)
	})

	t.Run("render subvolume", func(t *testing.T) {
		out, err := run(t, "render", "--rules", demoRulesFile(t), "-s", demo.MutateName, create, mutate)
		require.NoError(t, err)
		assert.Equal(t, string(goldFile(t, "mutate_ops")), out)
	})

	t.Run("render cbor", func(t *testing.T) {
		first, err := run(t, "render", "--format", "cbor", create, mutate)
		require.NoError(t, err)
		second, err := run(t, "render", "--format", "cbor", mutate, create, "-j", "1")
		require.NoError(t, err)
		assert.NotEmpty(t, first)
		assert.Equal(t, first, second)
	})

	t.Run("render gold", func(t *testing.T) {
		rules := demoRulesFile(t)
		gold := filepath.Join(t.TempDir(), "joint.gold")
		require.NoError(t, os.WriteFile(gold, goldFile(t, "joint"), 0644))

		out, err := run(t, "render", "--rules", rules, "--gold", gold, create, mutate)
		require.NoError(t, err)
		assert.Contains(t, out, "OK ")

		require.NoError(t, os.WriteFile(gold, []byte("stale\n"), 0644))
		out, err = run(t, "render", "--rules", rules, "--gold", gold, create, mutate)
		assert.ErrorIs(t, err, ErrGoldMismatch)
		assert.Contains(t, out, "-stale")
		assert.Contains(t, out, "+create_ops (Subvol)")

		_, err = run(t, "render", "--rules", rules, "--gold", gold, "--update-gold", create, mutate)
		require.NoError(t, err)
		updated, err := os.ReadFile(gold)
		require.NoError(t, err)
		assert.Equal(t, goldFile(t, "joint"), updated)
	})

	t.Run("render flag errors", func(t *testing.T) {
		_, err := run(t, "render", "--update-gold", create)
		assert.Error(t, err)
		_, err = run(t, "render", "--format", "xml", create)
		assert.Error(t, err)
		_, err = run(t, "render", "-s", "nope", create)
		assert.Error(t, err)
	})

	t.Run("render missing parent", func(t *testing.T) {
		_, err := run(t, "render", mutate)
		assert.Error(t, err)
	})

	t.Run("fingerprint", func(t *testing.T) {
		out, err := run(t, "fingerprint", create, mutate)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 2)
		assert.True(t, strings.HasSuffix(lines[0], "  create_ops"))
		assert.True(t, strings.HasSuffix(lines[1], "  mutate_ops"))
		assert.Len(t, strings.Fields(lines[0])[0], 64)
	})

	t.Run("history", func(t *testing.T) {
		out, err := run(t, "history")
		require.NoError(t, err)
		assert.Equal(t, "No recorded fingerprints\n", out)

		out, err = run(t, "fingerprint", "--record", create, mutate)
		require.NoError(t, err)
		assert.Contains(t, out, "  create_ops  (new)")
		assert.Contains(t, out, "recorded run 1")

		out, err = run(t, "fingerprint", "--record", create)
		require.NoError(t, err)
		assert.Contains(t, out, "  create_ops  (unchanged)")
		fp := strings.Fields(out)[0]

		out, err = run(t, "history", "mutate_ops")
		require.NoError(t, err)
		assert.Contains(t, out, "run 1\n")
		assert.NotContains(t, out, "run 2")
		assert.Contains(t, out, "  mutate_ops\n")

		out, err = run(t, "history", "--fingerprint", fp)
		require.NoError(t, err)
		assert.Equal(t, 2, strings.Count(out, fp+"  create_ops"))
		assert.Less(t, strings.Index(out, "run 1"), strings.Index(out, "run 2"))

		_, err = run(t, "history", "--fingerprint", fp, "create_ops")
		assert.Error(t, err)
	})
}

func TestFormatBuildDate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2024-01-02", formatBuildDate("1704164645"))
	assert.Equal(t, "unknown", formatBuildDate("unknown"))
}

func TestStreamName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "base", streamName("/tmp/streams/base.stream"))
	assert.Equal(t, "incr.stream", streamName("incr.stream.zst"))
	assert.Equal(t, "plain", streamName("plain"))
}
