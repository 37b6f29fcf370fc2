package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDocs(t *testing.T, docs map[string]string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for name, content := range docs {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		paths = append(paths, path)
	}
	return dir, paths
}

func runValidateCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateValidDocuments(t *testing.T) {
	_, paths := writeDocs(t, map[string]string{
		"aria.json": `{"name":"Aria","level":3,"hp":{"current":7,"max":12}}`,
		"brom.json": `{"name":"Brom","conditions":["prone"]}`,
	})

	out, err := runValidateCommand(t, "text", paths...)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ 2 document(s) valid")
}

func TestValidateValidDocumentsJSON(t *testing.T) {
	_, paths := writeDocs(t, map[string]string{"aria.json": `{"level":20}`})

	out, err := runValidateCommand(t, "json", paths...)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, 1, resp.Data.Checked)
}

func TestValidateInvalidDocument(t *testing.T) {
	_, paths := writeDocs(t, map[string]string{"aria.json": `{"name":"Aria","level":99}`})

	out, err := runValidateCommand(t, "text", paths...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ ")
	assert.Contains(t, out, "level")
}

func TestValidateInvalidDocumentJSON(t *testing.T) {
	_, paths := writeDocs(t, map[string]string{
		"aria.json": `{"level":0}`,
		"bad.json":  `{not json`,
		"ok.json":   `{"name":"Ok"}`,
	})

	out, err := runValidateCommand(t, "json", paths...)
	require.Error(t, err)

	var resp struct {
		Data ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.False(t, resp.Data.Valid)
	assert.Equal(t, 3, resp.Data.Checked)
	require.Len(t, resp.Data.Errors, 2)

	byEntity := map[string]ValidationIssue{}
	for _, issue := range resp.Data.Errors {
		byEntity[issue.Entity] = issue
	}
	assert.Contains(t, byEntity["aria"].Field, "level")
	assert.Equal(t, "data", byEntity["bad"].Field)
}

func TestValidateCustomSchema(t *testing.T) {
	dir, paths := writeDocs(t, map[string]string{"aria.json": `{"name":"Aria"}`})
	schemaPath := filepath.Join(dir, "monster.cue")
	require.NoError(t, os.WriteFile(schemaPath, []byte(`package monsters

#Monster: {
	name!: string
	cr!:   number & >=0
}
`), 0644))

	out, err := runValidateCommand(t, "json", append(paths, "--schema", schemaPath, "--definition", "#Monster")...)
	require.Error(t, err)

	var resp struct {
		Data ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Errors, 1)
	assert.Contains(t, resp.Data.Errors[0].Field, "cr")
}

func TestValidateSchemaErrors(t *testing.T) {
	_, paths := writeDocs(t, map[string]string{"aria.json": `{}`})

	_, err := runValidateCommand(t, "text", append(paths, "--schema", "/nonexistent/schema.cue")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runValidateCommand(t, "text", append(paths, "--definition", "#Monster")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidateMissingFile(t *testing.T) {
	_, err := runValidateCommand(t, "text", "/nonexistent/aria.json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidateVerboseOutput(t *testing.T) {
	_, paths := writeDocs(t, map[string]string{"aria.json": `{}`})

	errBuf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text", Verbose: true})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(errBuf)
	cmd.SetArgs(paths)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, errBuf.String(), "Checking 1 file(s) against #Character")
}
