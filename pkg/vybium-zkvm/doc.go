// Package vybiumzkvm provides the public API of the Vybium zkVM.
//
// Vybium zkVM executes programs of a small register-free ISA over the
// Goldilocks field, cuts long runs into segments, proves every segment and
// compresses the segment proofs into a single root proof.
//
// # Features
//
// - Segmented execution with continuations over Merkle-committed memory
// - Offline memory checking with access adapters
// - Hint streams for non-deterministic input
// - Leaf, internal and root aggregation programs run by the VM itself
// - Content-addressed proof store and a command-line prover
//
// # Quick Start
//
// Proving and verifying a program:
//
//	sdk, err := vybiumzkvm.New(vybiumzkvm.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	exe := vybiumzkvm.NewExe(vybiumzkvm.NewProgram(
//		vybiumzkvm.NewInstruction(vybiumzkvm.ADD, 0, 5, 0, 1, 0, 0),
//		vybiumzkvm.NewInstruction(vybiumzkvm.PUBLISH, 0, 0, 0, 1, 0),
//		vybiumzkvm.Terminate(vybiumzkvm.ExitCodeSuccess),
//	))
//	committed, err := sdk.CommitExe(exe)
//	if err != nil {
//		log.Fatal(err)
//	}
//	proof, err := sdk.Prove(ctx, exe, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := sdk.Verify(committed, proof, nil); err != nil {
//		log.Fatal(err)
//	}
//
// Aggregating the segment proofs:
//
//	root, err := sdk.Aggregate(ctx, proof, publicValues)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(root.PublicValues.ExeCommit)
//
// # Errors
//
// Every error returned by the SDK is a *VMError whose Code names the
// failure kind. Causes stay reachable through errors.Is and errors.As.
//
// # Architecture
//
// - pkg/vybium-zkvm/: Public API (this package)
// - internal/vybium-zkvm/: Private implementation (not importable)
//
// # License
//
// See LICENSE file in the repository root.
package vybiumzkvm
