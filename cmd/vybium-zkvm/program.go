package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/memory"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/vm"
)

// ProgramInput is the JSON form of an executable.
type ProgramInput struct {
	Instructions []string          `json:"instructions"` // "add 0 5 0 1 0 0", "terminate 0", "hint_input"
	PcStart      uint32            `json:"pc_start,omitempty"`
	InitMemory   map[string]uint64 `json:"init_memory,omitempty"` // "as:ptr" -> value
}

var opcodesByName = func() map[string]vm.Opcode {
	out := make(map[string]vm.Opcode, len(vm.AllOpcodes))
	for op, info := range vm.AllOpcodes {
		out[info.Name] = op
	}
	return out
}()

var phantomsByName = map[string]vm.PhantomDiscriminant{
	"nop":                 vm.PhantomNop,
	"print":               vm.PhantomPrint,
	"hint_input":          vm.PhantomHintInput,
	"hint_bits":           vm.PhantomHintBits,
	"cycle_tracker_start": vm.PhantomCycleTrackerStart,
	"cycle_tracker_end":   vm.PhantomCycleTrackerEnd,
}

// parseOperand reads a decimal operand; a leading minus encodes p - x.
func parseOperand(s string) (uint64, error) {
	neg := strings.HasPrefix(s, "-")
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "-"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid operand: %s", s)
	}
	if v >= field.P {
		return 0, fmt.Errorf("operand %s exceeds the field", s)
	}
	if neg && v != 0 {
		v = field.P - v
	}
	return v, nil
}

// parseInstruction parses "<name> <operand>...". Phantom side-channels are
// written by name: "hint_input", "print 3 0 1".
func parseInstruction(line string) (vm.Instruction, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return vm.Instruction{}, fmt.Errorf("empty instruction")
	}
	operands := make([]uint64, 0, len(fields)-1)
	for _, f := range fields[1:] {
		v, err := parseOperand(f)
		if err != nil {
			return vm.Instruction{}, err
		}
		operands = append(operands, v)
	}

	if d, ok := phantomsByName[fields[0]]; ok {
		if len(operands) > 3 {
			return vm.Instruction{}, fmt.Errorf("%s takes at most 3 operands", fields[0])
		}
		args := make([]uint64, 3)
		copy(args, operands)
		return vm.Phantom(d, args[0], args[1], args[2]), nil
	}
	op, ok := opcodesByName[fields[0]]
	if !ok {
		return vm.Instruction{}, fmt.Errorf("unknown instruction: %s", fields[0])
	}
	if len(operands) > vm.NumOperands {
		return vm.Instruction{}, fmt.Errorf("%s takes at most %d operands", fields[0], vm.NumOperands)
	}
	if op == vm.TERMINATE && len(operands) == 1 {
		return vm.Terminate(uint32(operands[0])), nil
	}
	return vm.NewInstruction(op, operands...), nil
}

func parseAddress(s string) (memory.Address, error) {
	as, ptr, ok := strings.Cut(s, ":")
	if !ok {
		return memory.Address{}, fmt.Errorf("address %q is not as:ptr", s)
	}
	a, err := strconv.ParseUint(as, 10, 32)
	if err != nil {
		return memory.Address{}, fmt.Errorf("address space %q: %w", as, err)
	}
	p, err := strconv.ParseUint(ptr, 10, 32)
	if err != nil {
		return memory.Address{}, fmt.Errorf("pointer %q: %w", ptr, err)
	}
	return memory.Address{AddrSpace: uint32(a), Pointer: uint32(p)}, nil
}

func convertProgram(input ProgramInput) (*vm.Exe, error) {
	program := vm.NewProgram()
	for i, line := range input.Instructions {
		inst, err := parseInstruction(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse instruction %d (%s): %w", i, line, err)
		}
		program.AddInstruction(inst)
	}
	exe := vm.NewExe(program)
	exe.PcStart = input.PcStart
	for k, v := range input.InitMemory {
		addr, err := parseAddress(k)
		if err != nil {
			return nil, err
		}
		if v >= field.P {
			return nil, fmt.Errorf("init memory %s: %d exceeds the field", k, v)
		}
		exe.InitMemory[addr] = field.New(v)
	}
	return exe, nil
}

func loadJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &out, nil
}

// loadExe reads a program file.
func loadExe(path string) (*vm.Exe, error) {
	input, err := loadJSON[ProgramInput](path)
	if err != nil {
		return nil, err
	}
	return convertProgram(*input)
}

// loadInputs reads the input stream, a JSON array of vectors. An empty path
// yields no input.
func loadInputs(path string) ([][]field.Element, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := loadJSON[[][]uint64](path)
	if err != nil {
		return nil, err
	}
	out := make([][]field.Element, len(*raw))
	for i, vec := range *raw {
		out[i] = make([]field.Element, len(vec))
		for j, v := range vec {
			if v >= field.P {
				return nil, fmt.Errorf("input %d[%d]: %d exceeds the field", i, j, v)
			}
			out[i][j] = field.New(v)
		}
	}
	return out, nil
}

// parseValues reads a comma separated list of field elements.
func parseValues(s string, n int) ([]field.Element, error) {
	out := make([]field.Element, n)
	for i := range out {
		out[i] = field.Zero
	}
	if s == "" {
		return out, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) > n {
		return nil, fmt.Errorf("%d public values, at most %d", len(parts), n)
	}
	for i, p := range parts {
		v, err := parseOperand(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out[i] = field.New(v)
	}
	return out, nil
}

func formatValues(values []field.Element) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatUint(v.Value(), 10)
	}
	return strings.Join(parts, ",")
}
