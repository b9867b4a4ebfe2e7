package vm

import (
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
)

// Exit codes of a segment.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1

	// DefaultSuspendExitCode is published by segments that were cut rather
	// than terminated.
	DefaultSuspendExitCode = 42
)

// Connector public values.
const (
	ConnectorInitialPC = iota
	ConnectorFinalPC
	ConnectorExitCode
	ConnectorIsTerminate
	numConnectorPVs
)

// ConnectorAirName names the segment connector.
const ConnectorAirName = "Connector"

// Connector main columns.
const (
	connPC = iota
	connTimestamp
	connIsTerminate
	connExitCode
	connWidth
)

// ConnectorAir opens and closes the execution bus of a segment. Its
// preprocessed column is {0, 1}: row 0 sends the start state, row 1 receives
// the end state and, for a terminated segment, looks up the TERMINATE
// instruction at the final pc.
type ConnectorAir struct{}

func NewConnectorAir() *ConnectorAir { return &ConnectorAir{} }

func (a *ConnectorAir) Name() string          { return ConnectorAirName }
func (a *ConnectorAir) Width() int            { return connWidth }
func (a *ConnectorAir) NumPublicValues() int  { return numConnectorPVs }
func (a *ConnectorAir) ConstraintDegree() int { return 2 }

func (a *ConnectorAir) PreprocessedTrace() *protocols.Trace {
	return &protocols.Trace{Width: 1, Values: []field.Element{field.Zero, field.One}}
}

// ConnectorState is the boundary data of one segment.
type ConnectorState struct {
	InitialPC        uint32
	InitialTimestamp uint32
	FinalPC          uint32
	FinalTimestamp   uint32
	IsTerminate      bool
	ExitCode         uint32
}

func (s ConnectorState) terminateFlag() field.Element {
	if s.IsTerminate {
		return field.One
	}
	return field.Zero
}

// GenerateTrace returns the two connector rows.
func (a *ConnectorAir) GenerateTrace(s ConnectorState) *protocols.Trace {
	t := protocols.NewTrace(connWidth, 2)
	start, end := t.Row(0), t.Row(1)
	start[connPC] = field.New(uint64(s.InitialPC))
	start[connTimestamp] = field.New(uint64(s.InitialTimestamp))
	end[connPC] = field.New(uint64(s.FinalPC))
	end[connTimestamp] = field.New(uint64(s.FinalTimestamp))
	end[connIsTerminate] = s.terminateFlag()
	end[connExitCode] = field.New(uint64(s.ExitCode))
	return t
}

// PublicValues returns (initial_pc, final_pc, exit_code, is_terminate).
func (a *ConnectorAir) PublicValues(s ConnectorState) []field.Element {
	return []field.Element{
		field.New(uint64(s.InitialPC)),
		field.New(uint64(s.FinalPC)),
		field.New(uint64(s.ExitCode)),
		s.terminateFlag(),
	}
}

func (a *ConnectorAir) Eval(trace *protocols.Trace, pvs []field.Element) error {
	if trace.Height() != 2 {
		return protocols.Violation(a.Name(), -1, "height %d, expected 2", trace.Height())
	}
	// Rows carry the preprocessed flag in column 0.
	start, end := trace.Row(0)[1:], trace.Row(1)[1:]
	if !start[connPC].Equal(pvs[ConnectorInitialPC]) || !end[connPC].Equal(pvs[ConnectorFinalPC]) {
		return protocols.Violation(a.Name(), -1, "pc does not match public values")
	}
	if !start[connTimestamp].IsOne() {
		return protocols.Violation(a.Name(), 0, "segment does not start at timestamp 1")
	}
	if !start[connIsTerminate].IsZero() || !start[connExitCode].IsZero() {
		return protocols.Violation(a.Name(), 0, "start row carries an exit")
	}
	if !protocols.IsBool(end[connIsTerminate]) {
		return protocols.Violation(a.Name(), 1, "is_terminate is not boolean")
	}
	if !end[connIsTerminate].Equal(pvs[ConnectorIsTerminate]) || !end[connExitCode].Equal(pvs[ConnectorExitCode]) {
		return protocols.Violation(a.Name(), 1, "exit does not match public values")
	}
	if end[connIsTerminate].IsZero() && !end[connExitCode].Equal(field.New(DefaultSuspendExitCode)) {
		return protocols.Violation(a.Name(), 1, "suspended segment exits with %d", end[connExitCode].Value())
	}
	return nil
}

func (a *ConnectorAir) Interactions(row []field.Element) []protocols.Interaction {
	flag, cols := row[0], row[1:]
	if flag.IsZero() {
		return []protocols.Interaction{
			protocols.Send(protocols.ExecutionBus, field.One, cols[connPC], cols[connTimestamp]),
		}
	}
	terminate := make([]field.Element, 0, 2+NumOperands)
	terminate = append(terminate, cols[connPC], field.New(uint64(TERMINATE)))
	terminate = append(terminate, field.Zero, field.Zero, cols[connExitCode])
	terminate = append(terminate, core.Zeros(NumOperands-3)...)
	return []protocols.Interaction{
		protocols.Receive(protocols.ExecutionBus, field.One, cols[connPC], cols[connTimestamp]),
		protocols.Send(protocols.ProgramBus, cols[connIsTerminate], terminate...),
	}
}
