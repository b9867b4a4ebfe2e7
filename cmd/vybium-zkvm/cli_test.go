package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fibProgram = `{
	"instructions": [
		"add 0 0 0 1 0 0",
		"add 1 1 0 1 0 0",
		"add 3 10 0 1 0 0",
		"beq 3 0 6 1 0",
		"add 2 0 1 1 1 1",
		"add 0 1 0 1 1 0",
		"add 1 2 0 1 1 0",
		"sub 3 3 1 1 1 0",
		"jal 4 -5 0 1",
		"publish 0 0 0 1 0",
		"terminate 0"
	]
}`

const smallSegments = `
[segmentation]
max_segment_len = 40
`

type cliEnv struct {
	store   string
	config  string
	program string
}

func newCLIEnv(t *testing.T) *cliEnv {
	dir := t.TempDir()
	e := &cliEnv{
		store:   filepath.Join(dir, "zkvm.db"),
		config:  filepath.Join(dir, "vm.toml"),
		program: filepath.Join(dir, "fib.json"),
	}
	require.NoError(t, os.WriteFile(e.config, []byte(smallSegments), 0o644))
	require.NoError(t, os.WriteFile(e.program, []byte(fibProgram), 0o644))
	return e
}

func (e *cliEnv) run(args ...string) (string, error) {
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	argv := append([]string{"vybium-zkvm", "--store", e.store, "--config", e.config, "--verbosity", "error"}, args...)
	err := app.RunContext(context.Background(), argv)
	return out.String(), err
}

func (e *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(args...)
	require.NoError(t, err, strings.Join(args, " "))
	return out
}

// valueOf returns the value printed on the "name: value" line.
func valueOf(out, name string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), name+": "); ok {
			return v
		}
	}
	return ""
}

func TestCLIRun(t *testing.T) {
	e := newCLIEnv(t)
	out := e.mustRun(t, "run", "--program", e.program)
	assert.Equal(t, "0", valueOf(out, "exit_code"))
	assert.Equal(t, "2", valueOf(out, "segments"))
	assert.True(t, strings.HasPrefix(valueOf(out, "public_values"), "55,0,"))
}

func TestCLIProveVerifyAggregate(t *testing.T) {
	e := newCLIEnv(t)

	out := e.mustRun(t, "prove", "--program", e.program, "--label", "fib")
	exeKey := valueOf(out, "exe")
	exeCommit := valueOf(out, "exe_commit")
	require.NotEmpty(t, exeKey)
	require.NotEmpty(t, exeCommit)
	assert.Equal(t, "2", valueOf(out, "segments"))

	out = e.mustRun(t, "verify", "--exe", "fib.exe", "--proof", "fib.proof", "--public-values", "55")
	assert.Contains(t, out, "verified")

	_, err := e.run("verify", "--exe", "fib.exe", "--proof", "fib.proof", "--public-values", "56")
	assert.Error(t, err)
	_, err = e.run("verify", "--exe", "fib.exe")
	assert.Error(t, err)

	out = e.mustRun(t, "aggregate", "--exe", exeKey, "--proof", "fib.proof", "--label", "fib")
	assert.Equal(t, exeCommit, valueOf(out, "exe_commit"))
	assert.True(t, strings.HasPrefix(valueOf(out, "public_values"), "55,0,"))

	out = e.mustRun(t, "verify", "--exe", "fib.exe", "--root", "fib.root", "--public-values", "55")
	assert.Contains(t, out, "verified")

	out = e.mustRun(t, "inspect", "--key", "fib.root")
	assert.Equal(t, "root", valueOf(out, "kind"))
	assert.Equal(t, exeCommit, valueOf(out, "exe_commit"))
	rootInit := valueOf(out, "initial_memory_root")

	out = e.mustRun(t, "inspect", "--key", exeKey)
	assert.Equal(t, "exe", valueOf(out, "kind"))
	assert.Contains(t, out, "terminate")
	assert.NotEmpty(t, rootInit)
	assert.Equal(t, valueOf(out, "init_memory_root"), rootInit)

	_, err = e.run("inspect", "--key", "missing")
	assert.Error(t, err)
}
