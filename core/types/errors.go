package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the checkout and mint flows. Callers match with errors.Is.
var (
	// ErrInvalidInput covers a missing or malformed payer, reference, or amount.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidAmount is returned for negative, non-finite, or unrepresentable amounts.
	ErrInvalidAmount = fmt.Errorf("%w: invalid amount", ErrInvalidInput)
	// ErrMissingAccount indicates mint metadata could not be resolved.
	ErrMissingAccount = errors.New("missing account")
	// ErrUpstreamUnavailable marks ledger RPC or index transport failures.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrIndexUnavailable indicates the asset index could not be reached.
	ErrIndexUnavailable = fmt.Errorf("%w: asset index", ErrUpstreamUnavailable)
	// ErrAssetNotFound means the owner holds no asset in the configured tree.
	ErrAssetNotFound = errors.New("asset not found")
	// ErrStaleProof means the proof does not hash up to the root it claims.
	ErrStaleProof = errors.New("stale proof")
	// ErrReferenceNotFound is reported when a watcher exhausts its retry budget.
	ErrReferenceNotFound = errors.New("reference not found")
	// ErrAuthentication rejects a mint trigger without a valid secret.
	ErrAuthentication = errors.New("authentication failure")
	// ErrEmptyEnvelope guards against signing a transaction without instructions.
	ErrEmptyEnvelope = errors.New("envelope has no instructions")
)

// Kind is the coarse error class used for HTTP mapping and metrics labels.
type Kind string

const (
	KindNone              Kind = ""
	KindInvalidInput      Kind = "invalid_input"
	KindUpstream          Kind = "upstream_unavailable"
	KindStaleProof        Kind = "stale_proof"
	KindReferenceNotFound Kind = "reference_not_found"
	KindAuthentication    Kind = "authentication"
	KindInternal          Kind = "internal"
)

// Classify maps an error onto the taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrUpstreamUnavailable):
		return KindUpstream
	case errors.Is(err, ErrStaleProof):
		return KindStaleProof
	case errors.Is(err, ErrReferenceNotFound):
		return KindReferenceNotFound
	default:
		return KindInternal
	}
}

// Upstream wraps a transport failure so it classifies as ErrUpstreamUnavailable.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUpstreamUnavailable, err)
}
