package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/memory"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/vm"
)

func TestParseInstruction(t *testing.T) {
	tests := []struct {
		line string
		want vm.Instruction
	}{
		{"add 0 5 0 1 0 0", vm.NewInstruction(vm.ADD, 0, 5, 0, 1, 0, 0)},
		{"ADD 0 5", vm.NewInstruction(vm.ADD, 0, 5)},
		{"jal 4 -5 0 1", vm.NewInstruction(vm.JAL, 4, field.P-5, 0, 1)},
		{"terminate 3", vm.Terminate(3)},
		{"hint_input", vm.Phantom(vm.PhantomHintInput, 0, 0, 0)},
		{"print 2 0 1", vm.Phantom(vm.PhantomPrint, 2, 0, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseInstruction(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "frobnicate 1", "add x", "add 1 2 3 4 5 6 7 8", "add 18446744069414584321"} {
		_, err := parseInstruction(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadExe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prog.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"instructions": ["add 1 0 1 1 1 0", "terminate 0"],
		"pc_start": 0,
		"init_memory": {"1:0": 42}
	}`), 0o644))

	exe, err := loadExe(path)
	require.NoError(t, err)
	assert.Equal(t, 2, exe.Program.Len())
	assert.Equal(t, field.New(42), exe.InitMemory[memory.Address{AddrSpace: 1, Pointer: 0}])

	inputPath := filepath.Join(dir, "input.json")
	require.NoError(t, os.WriteFile(inputPath, []byte(`[[7, 8, 9], []]`), 0o644))
	inputs, err := loadInputs(inputPath)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, field.New(9), inputs[0][2])
	assert.Empty(t, inputs[1])

	inputs, err = loadInputs("")
	require.NoError(t, err)
	assert.Nil(t, inputs)

	_, err = parseAddress("1-0")
	assert.Error(t, err)
}

func TestParseValues(t *testing.T) {
	values, err := parseValues("55, 0, 3", 8)
	require.NoError(t, err)
	assert.Equal(t, "55,0,3,0,0,0,0,0", formatValues(values))

	values, err = parseValues("", 2)
	require.NoError(t, err)
	assert.Equal(t, "0,0", formatValues(values))

	_, err = parseValues("1,2,3", 2)
	assert.Error(t, err)
}
