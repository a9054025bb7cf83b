package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"tasadar.net/tionis/json2mat/mat"
)

type runResult struct {
	stdout string
	stderr string
	err    error
}

func runApp(t *testing.T, stdin io.Reader, args ...string) runResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp(stdin, &stdout, &stderr)
	err := app.Run(append([]string{"json2mat"}, args...))
	return runResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func readData(t *testing.T, path string) any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	vars, err := mat.Decode(f)
	require.NoError(t, err)
	require.Len(t, vars, 1)
	return vars[0].Value
}

func TestAppSuccess(t *testing.T) {
	tests := []struct {
		name string
		args func(dir string) []string
	}{
		{"short flags", func(dir string) []string { return []string{"-p", "/a/b/list.json", "-o", dir} }},
		{"long flags", func(dir string) []string { return []string{"--Path", "list.json", "--out-dir", dir} }},
		{"compressed and verified", func(dir string) []string {
			return []string{"-p", "list.json", "-o", dir, "--compress", "--verify"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			res := runApp(t, strings.NewReader("[1,2,3]"), tt.args(dir)...)
			require.NoError(t, res.err)
			assert.Equal(t, "MATLAB file created successfully.\n", res.stdout)
			assert.Empty(t, res.stderr)
			assert.Equal(t, []any{1.0, 2.0, 3.0}, readData(t, filepath.Join(dir, "list.mat")))
		})
	}
}

func TestAppOutDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("JSON2MAT_OUT_DIR", dir)
	res := runApp(t, strings.NewReader(`{"a": "b"}`), "-p", "obj.json")
	require.NoError(t, res.err)
	assert.Equal(t, mat.Struct{{Name: "a", Value: "b"}}, readData(t, filepath.Join(dir, "obj.mat")))
}

func TestAppFailuresExitZero(t *testing.T) {
	dir := t.TempDir()

	res := runApp(t, strings.NewReader("{not json"), "-p", "bad.json", "-o", dir)
	require.NoError(t, res.err)
	assert.Empty(t, res.stdout)
	assert.True(t, strings.HasPrefix(res.stderr, "Error decoding JSON input: "), res.stderr)

	res = runApp(t, strings.NewReader("1"), "-o", dir)
	require.NoError(t, res.err)
	assert.Equal(t, "An error occurred: no path given\n", res.stderr)

	res = runApp(t, strings.NewReader(`{"bad key": 1}`), "-p", "k.json", "-o", dir)
	require.NoError(t, res.err)
	assert.True(t, strings.HasPrefix(res.stderr, "An error occurred: "), res.stderr)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppStrictExitCodes(t *testing.T) {
	var code int
	exiter := cli.OsExiter
	cli.OsExiter = func(c int) { code = c }
	t.Cleanup(func() { cli.OsExiter = exiter })

	dir := t.TempDir()
	res := runApp(t, strings.NewReader(""), "-p", "x.json", "-o", dir, "--strict")
	require.Error(t, res.err)
	assert.Equal(t, exitDecodeError, code)

	res = runApp(t, strings.NewReader("1"), "-p", "x.json", "-o", dir, "--strict", "--format", "xml")
	require.Error(t, res.err)
	assert.Equal(t, exitOtherError, code)
	assert.Contains(t, res.stderr, "invalid input format: xml")
}

func TestAppSanitizeAndShortNames(t *testing.T) {
	dir := t.TempDir()
	input := `{"` + strings.Repeat("x", 40) + `": 1, "a b": 2}`

	res := runApp(t, strings.NewReader(input), "-p", "n.json", "-o", dir, "--long-field-names=false", "--sanitize-names")
	require.NoError(t, res.err)
	require.Empty(t, res.stderr)
	got, ok := readData(t, filepath.Join(dir, "n.mat")).(mat.Struct)
	require.True(t, ok)
	assert.Equal(t, []string{strings.Repeat("x", 31), "a_b"}, got.Names())
}

func TestAppEncryptedInput(t *testing.T) {
	dir := t.TempDir()
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	idFile := filepath.Join(dir, "key.txt")
	require.NoError(t, os.WriteFile(idFile, []byte(id.String()+"\n"), 0600))

	var ciphertext bytes.Buffer
	w, err := age.Encrypt(&ciphertext, id.Recipient())
	require.NoError(t, err)
	_, err = io.WriteString(w, `{"secret": [true, false]}`)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out := filepath.Join(dir, "out")
	require.NoError(t, os.Mkdir(out, 0o755))
	res := runApp(t, &ciphertext, "-p", "s.json.age", "-o", out, "-i", idFile, "--name", "payload")
	require.NoError(t, res.err)
	assert.Empty(t, res.stderr)
	assert.Equal(t, mat.Struct{{Name: "secret", Value: []any{true, false}}}, readData(t, filepath.Join(out, "s.json.mat")))

	res = runApp(t, strings.NewReader("plain"), "-p", "s.json", "-o", out, "-i", idFile)
	require.NoError(t, res.err)
	assert.True(t, strings.HasPrefix(res.stderr, "An error occurred: "), res.stderr)
}

func TestAppVerbose(t *testing.T) {
	for _, flag := range []string{"--verbose", "-v"} {
		t.Run(flag, func(t *testing.T) {
			dir := t.TempDir()
			res := runApp(t, strings.NewReader("1"), "-p", "v.json", "-o", dir, flag)
			require.NoError(t, res.err)
			assert.Contains(t, res.stderr, "wrote")
			assert.Contains(t, res.stderr, filepath.Join(dir, "v.mat"))
		})
	}
}

func TestAppLongFieldNamesByDefault(t *testing.T) {
	dir := t.TempDir()
	key := strings.Repeat("k", 40)
	res := runApp(t, strings.NewReader(`{"`+key+`": 1}`), "-p", "n.json", "-o", dir)
	require.NoError(t, res.err)
	require.Empty(t, res.stderr)
	assert.Equal(t, mat.Struct{{Name: key, Value: 1.0}}, readData(t, filepath.Join(dir, "n.mat")))
}
