package aggregation

import "errors"

var (
	// ErrNonTerminatingRoot reports a root input whose run never reached
	// TERMINATE.
	ErrNonTerminatingRoot = errors.New("non-terminating root")

	// ErrConstantsMismatch reports a verifier program whose hardwired
	// constants do not match the keys it verifies against.
	ErrConstantsMismatch = errors.New("verifier constants mismatch")

	// ErrUnknownVerifyingKey reports a child proof bound to a key the
	// verifier does not accept.
	ErrUnknownVerifyingKey = errors.New("unknown verifying key")

	// ErrMalformedBatch reports a hint stream that does not decode to a batch.
	ErrMalformedBatch = errors.New("malformed batch")

	// ErrRootPublicValuesMismatch reports a root proof whose claimed public
	// values differ from the proven ones.
	ErrRootPublicValuesMismatch = errors.New("root public values mismatch")
)
