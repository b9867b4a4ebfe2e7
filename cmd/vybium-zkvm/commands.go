package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/profile"
	"github.com/urfave/cli/v2"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/store"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
	vybiumzkvm "github.com/vybium/vybium-zkvm/pkg/vybium-zkvm"
)

var (
	ConfigFlag = &cli.PathFlag{
		Name:  "config",
		Usage: "TOML VM configuration; defaults apply when unset",
	}
	StoreFlag = &cli.PathFlag{
		Name:  "store",
		Usage: "proof store database",
		Value: "zkvm.db",
	}
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "log level: trace, debug, info, warn, error",
		Value: "info",
	}
	CPUProfileFlag = &cli.BoolFlag{
		Name:  "cpu-profile",
		Usage: "write a CPU profile to the working directory",
	}

	ProgramFlag = &cli.PathFlag{
		Name:     "program",
		Usage:    "JSON program file",
		Required: true,
	}
	InputFlag = &cli.PathFlag{
		Name:  "input",
		Usage: "JSON input stream, an array of vectors",
	}
	LabelFlag = &cli.StringFlag{
		Name:  "label",
		Usage: "name the stored artifacts <label>.exe, <label>.proof, <label>.root",
	}
	ExeFlag = &cli.StringFlag{
		Name:     "exe",
		Usage:    "committed executable key or label",
		Required: true,
	}
	ProofFlag = &cli.StringFlag{
		Name:  "proof",
		Usage: "continuation proof key or label",
	}
	RootFlag = &cli.StringFlag{
		Name:  "root",
		Usage: "root proof key or label",
	}
	PublicValuesFlag = &cli.StringFlag{
		Name:  "public-values",
		Usage: "expected user public values, comma separated",
	}
	KeyFlag = &cli.StringFlag{
		Name:     "key",
		Usage:    "artifact key or label",
		Required: true,
	}
)

var globalFlags = []cli.Flag{ConfigFlag, StoreFlag, VerbosityFlag, CPUProfileFlag}

// env is what every command needs.
type env struct {
	logger log.Logger
	config *vybiumzkvm.Config
	stop   func()
}

func setup(ctx *cli.Context) (*env, error) {
	e := &env{
		logger: utils.NewLogger(os.Stderr, utils.ParseLevel(ctx.String(VerbosityFlag.Name))),
		config: vybiumzkvm.DefaultConfig(),
		stop:   func() {},
	}
	if path := ctx.Path(ConfigFlag.Name); path != "" {
		cfg, err := vybiumzkvm.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		e.config = cfg
	}
	if ctx.Bool(CPUProfileFlag.Name) || e.config.Profiling {
		e.stop = profile.Start(profile.NoShutdownHook, profile.ProfilePath("."), profile.CPUProfile).Stop
	}
	return e, nil
}

func (e *env) sdk() (*vybiumzkvm.SDK, error) {
	return vybiumzkvm.New(e.config, vybiumzkvm.WithLogger(e.logger))
}

func (e *env) openStore(ctx *cli.Context, readOnly bool) (*store.BoltStore, error) {
	cfg := store.DefaultConfig(ctx.Path(StoreFlag.Name))
	cfg.ReadOnly = readOnly
	return store.Open(cfg, e.logger)
}

func label(ctx *cli.Context, s *store.BoltStore, suffix string, key store.Key) error {
	name := ctx.String(LabelFlag.Name)
	if name == "" {
		return nil
	}
	return s.SetLabel(name+"."+suffix, key)
}

// ============================================================================
// run
// ============================================================================

var RunCommand = &cli.Command{
	Name:        "run",
	Usage:       "Execute a program without proving it",
	Description: "Execute a program and print its exit code and user public values.",
	Action:      Run,
	Flags:       []cli.Flag{ProgramFlag, InputFlag},
}

func Run(ctx *cli.Context) error {
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.stop()
	out := ctx.App.Writer

	exe, err := loadExe(ctx.Path(ProgramFlag.Name))
	if err != nil {
		return err
	}
	inputs, err := loadInputs(ctx.Path(InputFlag.Name))
	if err != nil {
		return err
	}
	sdk, err := e.sdk()
	if err != nil {
		return err
	}
	res, err := sdk.Execute(exe, inputs)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "segments: %d\n", len(res.Segments))
	fmt.Fprintf(out, "exit_code: %d\n", res.ExitCode)
	fmt.Fprintf(out, "public_values: %s\n", formatValues(res.UserPublicValues))
	return nil
}

// ============================================================================
// prove
// ============================================================================

var ProveCommand = &cli.Command{
	Name:        "prove",
	Usage:       "Prove a program",
	Description: "Commit a program, prove every segment of its run and store both.",
	Action:      Prove,
	Flags:       []cli.Flag{ProgramFlag, InputFlag, LabelFlag},
}

func Prove(ctx *cli.Context) error {
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.stop()
	out := ctx.App.Writer

	exe, err := loadExe(ctx.Path(ProgramFlag.Name))
	if err != nil {
		return err
	}
	inputs, err := loadInputs(ctx.Path(InputFlag.Name))
	if err != nil {
		return err
	}
	sdk, err := e.sdk()
	if err != nil {
		return err
	}
	committed, err := sdk.CommitExe(exe)
	if err != nil {
		return err
	}
	res, err := sdk.Execute(exe, inputs)
	if err != nil {
		return err
	}
	proof, err := sdk.Prove(ctx.Context, exe, inputs)
	if err != nil {
		return err
	}

	s, err := e.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()
	exeKey, err := s.PutExe(committed)
	if err != nil {
		return err
	}
	proofKey, err := s.PutContinuationProof(proof)
	if err != nil {
		return err
	}
	if err := label(ctx, s, "exe", exeKey); err != nil {
		return err
	}
	if err := label(ctx, s, "proof", proofKey); err != nil {
		return err
	}

	fmt.Fprintf(out, "exe: %s\n", exeKey)
	fmt.Fprintf(out, "proof: %s\n", proofKey)
	fmt.Fprintf(out, "segments: %d\n", len(proof.PerSegment))
	fmt.Fprintf(out, "exit_code: %d\n", res.ExitCode)
	fmt.Fprintf(out, "public_values: %s\n", formatValues(res.UserPublicValues))
	fmt.Fprintf(out, "exe_commit: %s\n", sdk.ExeCommit(committed).ToU256().Hex())
	return nil
}

// ============================================================================
// verify
// ============================================================================

var VerifyCommand = &cli.Command{
	Name:        "verify",
	Usage:       "Verify a continuation or root proof",
	Description: "Verify a stored continuation proof against its executable, or a stored root proof.",
	Action:      Verify,
	Flags:       []cli.Flag{ExeFlag, ProofFlag, RootFlag, PublicValuesFlag},
}

func Verify(ctx *cli.Context) error {
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.stop()
	out := ctx.App.Writer

	s, err := e.openStore(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()
	sdk, err := e.sdk()
	if err != nil {
		return err
	}
	exeKey, err := s.Resolve(ctx.String(ExeFlag.Name))
	if err != nil {
		return err
	}
	committed, err := s.GetExe(exeKey)
	if err != nil {
		return err
	}

	var expected []vybiumzkvm.Element
	if v := ctx.String(PublicValuesFlag.Name); v != "" {
		if expected, err = parseValues(v, e.config.NumPublicValues); err != nil {
			return err
		}
	}

	switch {
	case ctx.String(RootFlag.Name) != "":
		key, err := s.Resolve(ctx.String(RootFlag.Name))
		if err != nil {
			return err
		}
		root, err := s.GetRootProof(key)
		if err != nil {
			return err
		}
		if err := sdk.VerifyRoot(root); err != nil {
			return err
		}
		if !root.PublicValues.ExeCommit.Equal(sdk.ExeCommit(committed)) {
			return fmt.Errorf("root proof is for exe_commit %s", root.PublicValues.ExeCommit.ToU256().Hex())
		}
		if !root.PublicValues.InitialMemoryRoot.Equal(committed.InitMemoryRoot) {
			return fmt.Errorf("root proof starts from memory root %s", root.PublicValues.InitialMemoryRoot)
		}
		if expected != nil && formatValues(expected) != formatValues(root.PublicValues.UserPublicValues) {
			return fmt.Errorf("root proof exposes public values %s", formatValues(root.PublicValues.UserPublicValues))
		}
	case ctx.String(ProofFlag.Name) != "":
		key, err := s.Resolve(ctx.String(ProofFlag.Name))
		if err != nil {
			return err
		}
		proof, err := s.GetContinuationProof(key)
		if err != nil {
			return err
		}
		if err := sdk.Verify(committed, proof, expected); err != nil {
			return err
		}
	default:
		return fmt.Errorf("one of --%s or --%s is required", ProofFlag.Name, RootFlag.Name)
	}
	fmt.Fprintln(out, "verified")
	return nil
}

// ============================================================================
// aggregate
// ============================================================================

var AggregateCommand = &cli.Command{
	Name:        "aggregate",
	Usage:       "Aggregate a continuation proof into a root proof",
	Description: "Re-execute the committed program for its public values and aggregate the stored segment proofs.",
	Action:      Aggregate,
	Flags:       []cli.Flag{ExeFlag, &cli.StringFlag{Name: ProofFlag.Name, Usage: ProofFlag.Usage, Required: true}, InputFlag, LabelFlag},
}

func Aggregate(ctx *cli.Context) error {
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.stop()
	out := ctx.App.Writer

	s, err := e.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()
	sdk, err := e.sdk()
	if err != nil {
		return err
	}
	exeKey, err := s.Resolve(ctx.String(ExeFlag.Name))
	if err != nil {
		return err
	}
	committed, err := s.GetExe(exeKey)
	if err != nil {
		return err
	}
	proofKey, err := s.Resolve(ctx.String(ProofFlag.Name))
	if err != nil {
		return err
	}
	proof, err := s.GetContinuationProof(proofKey)
	if err != nil {
		return err
	}
	inputs, err := loadInputs(ctx.Path(InputFlag.Name))
	if err != nil {
		return err
	}
	res, err := sdk.Execute(committed.Exe, inputs)
	if err != nil {
		return err
	}

	root, err := sdk.Aggregate(ctx.Context, proof, res.UserPublicValues)
	if err != nil {
		return err
	}
	rootKey, err := s.PutRootProof(root)
	if err != nil {
		return err
	}
	if err := label(ctx, s, "root", rootKey); err != nil {
		return err
	}
	fmt.Fprintf(out, "root: %s\n", rootKey)
	fmt.Fprintf(out, "exe_commit: %s\n", root.PublicValues.ExeCommit.ToU256().Hex())
	fmt.Fprintf(out, "leaf_verifier_commit: %s\n", root.PublicValues.LeafVerifierCommit.ToU256().Hex())
	fmt.Fprintf(out, "public_values: %s\n", formatValues(root.PublicValues.UserPublicValues))
	return nil
}

// ============================================================================
// inspect
// ============================================================================

var InspectCommand = &cli.Command{
	Name:        "inspect",
	Usage:       "Describe a stored artifact",
	Description: "Print a summary of a stored executable, continuation proof or root proof, then the store totals.",
	Action:      Inspect,
	Flags:       []cli.Flag{KeyFlag},
}

func Inspect(ctx *cli.Context) error {
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.stop()
	out := ctx.App.Writer

	s, err := e.openStore(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()
	key, err := s.Resolve(ctx.String(KeyFlag.Name))
	if err != nil {
		return err
	}

	switch {
	case s.Has(store.KindExe, key):
		c, err := s.GetExe(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "kind: exe\n")
		fmt.Fprintf(out, "program_commit: %s\n", c.ProgramCommit)
		fmt.Fprintf(out, "init_memory_root: %s\n", c.InitMemoryRoot)
		fmt.Fprintf(out, "pc_start: %d\n", c.Exe.PcStart)
		for pc, inst := range c.Exe.Program.Instructions {
			fmt.Fprintf(out, "  %4d  %s\n", pc, inst)
		}
	case s.Has(store.KindContinuation, key):
		p, err := s.GetContinuationProof(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "kind: continuation\n")
		fmt.Fprintf(out, "segments: %d\n", len(p.PerSegment))
		for i, seg := range p.PerSegment {
			fmt.Fprintf(out, "  %d  airs=%d vk=%s\n", i, len(seg.PerAir), seg.VkCommit)
		}
		if p.UserPublicValuesProof != nil {
			fmt.Fprintf(out, "public_values_commit: %s\n", p.UserPublicValuesProof.PublicValuesCommit)
		}
	case s.Has(store.KindRoot, key):
		r, err := s.GetRootProof(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "kind: root\n")
		fmt.Fprintf(out, "exe_commit: %s\n", r.PublicValues.ExeCommit.ToU256().Hex())
		fmt.Fprintf(out, "leaf_verifier_commit: %s\n", r.PublicValues.LeafVerifierCommit.ToU256().Hex())
		fmt.Fprintf(out, "initial_memory_root: %s\n", r.PublicValues.InitialMemoryRoot)
		fmt.Fprintf(out, "public_values: %s\n", formatValues(r.PublicValues.UserPublicValues))
	default:
		return fmt.Errorf("%s: %w", key, store.ErrNotFound)
	}

	stats, err := s.GetStats()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "store: exes=%d continuations=%d roots=%d labels=%d size=%d\n",
		stats.Counts[store.KindExe], stats.Counts[store.KindContinuation], stats.Counts[store.KindRoot],
		stats.Labels, stats.DatabaseSize)
	return nil
}
