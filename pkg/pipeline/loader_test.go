package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const outreachYAML = `id: outreach
name: Weekly outreach
steps:
  - name: scout
    agent_ref: lead-scout
  - agent_ref: writer
    delay_minutes: 5
    message_template: "Write to {{scout}}"
`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("yaml", func(t *testing.T) {
		def, err := LoadFile(writeFile(t, dir, "outreach.yaml", outreachYAML))
		require.NoError(t, err)
		assert.Equal(t, "outreach", def.ID)
		require.Len(t, def.Steps, 2)
		assert.Equal(t, "scout", def.Steps[0].Name)
		assert.Equal(t, "step_1", def.Steps[1].Name)
		assert.Equal(t, 5, def.Steps[1].DelayMinutes)
	})

	t.Run("json", func(t *testing.T) {
		def, err := LoadFile(writeFile(t, dir, "digest.json",
			`{"id":"digest","steps":[{"agent_ref":"summarizer","message_template":"go"}]}`))
		require.NoError(t, err)
		assert.Equal(t, "digest", def.ID)
		assert.Equal(t, "summarizer", def.Steps[0].AgentRef)
	})

	t.Run("schema violations name the file", func(t *testing.T) {
		path := writeFile(t, dir, "bad.yaml", "id: bad\nsteps:\n  - agent_ref: \"rm -rf\"\n    delay_minutes: -1\n")
		_, err := LoadFile(path)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidDefinition)
		assert.Contains(t, err.Error(), "bad.yaml")
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		_, err := LoadFile(writeFile(t, dir, "extra.json", `{"id":"x","steps":[],"owner":"me"}`))
		assert.ErrorIs(t, err, ErrInvalidDefinition)
	})

	t.Run("duplicate step names", func(t *testing.T) {
		_, err := LoadFile(writeFile(t, dir, "dup.yaml",
			"id: dup\nsteps:\n  - name: a\n    agent_ref: x\n  - name: a\n    agent_ref: y\n"))
		assert.ErrorIs(t, err, ErrInvalidDefinition)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		_, err := LoadFile(writeFile(t, dir, "notes.txt", "hello"))
		assert.Error(t, err)
	})
}

func TestLoadDir(t *testing.T) {
	t.Run("loads sorted and skips other files", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "b.yaml", outreachYAML)
		writeFile(t, dir, "a.json", `{"id":"digest","steps":[]}`)
		writeFile(t, dir, "README.md", "# pipelines")
		writeFile(t, dir, ".hidden.yaml", "not: [valid")

		defs, err := LoadDir(dir)
		require.NoError(t, err)
		require.Len(t, defs, 2)
		assert.Equal(t, "digest", defs[0].ID)
		assert.Equal(t, "outreach", defs[1].ID)
	})

	t.Run("duplicate ids across files", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "one.yaml", outreachYAML)
		writeFile(t, dir, "two.yml", outreachYAML)

		_, err := LoadDir(dir)
		require.ErrorIs(t, err, ErrInvalidDefinition)
		assert.Contains(t, err.Error(), "one.yaml")
		assert.Contains(t, err.Error(), "two.yml")
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestCatalog(t *testing.T) {
	catalog, err := NewCatalog(
		Definition{ID: "b", Steps: []Step{{AgentRef: "x"}}},
		Definition{ID: "a"},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, catalog.Len())
	assert.Equal(t, "a", catalog.List()[0].ID)

	def, err := catalog.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "step_0", def.Steps[0].Name)

	_, err = catalog.Get("c")
	assert.ErrorIs(t, err, ErrPipelineNotFound)

	err = catalog.Replace([]Definition{{ID: "a"}, {ID: "a"}})
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Equal(t, 2, catalog.Len(), "failed replace keeps the old set")

	require.NoError(t, catalog.Replace([]Definition{{ID: "c"}}))
	_, err = catalog.Get("a")
	assert.ErrorIs(t, err, ErrPipelineNotFound)
}
