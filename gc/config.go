package gc

import (
	"github.com/pkg/errors"
)

// Variant selects which collector choreography PerformFullGC runs (spec.md
// §4.9): same-thread stop-the-world mark-and-sweep, or the parallel-mark /
// concurrent-sweep variant.
type Variant int

const (
	// STMS is the same-thread stop-the-world mark-and-sweep variant: a
	// single collector thread does root collection, mark and sweep, and
	// mutators stay suspended for the entire pass.
	STMS Variant = iota
	// CMS is the parallel-mark / concurrent-sweep variant: marking runs on
	// several worker threads and sweep may overlap resumed mutators.
	CMS
)

func (v Variant) String() string {
	switch v {
	case STMS:
		return "STMS"
	case CMS:
		return "CMS"
	default:
		return "unknown"
	}
}

// Parameters carries the §6 collector-wide configuration knobs, in the same
// spirit as kopia's internal/epoch.Parameters: a plain struct with a
// Validate method, constructed once and passed to New.
type Parameters struct {
	// Variant selects STMS or CMS.
	Variant Variant

	// GCMarkSingleThreaded forces serial marking; AuxGCThreads must be 0.
	GCMarkSingleThreaded bool

	// MutatorsCooperate lets a mutator suspended at a safepoint help drain
	// the mark worklist before it parks.
	MutatorsCooperate bool

	// AuxGCThreads is the number of dedicated mark worker goroutines.
	AuxGCThreads int

	// ConcurrentWeakSweep enables the CMS weak-barrier protocol that lets
	// mutators run between marking and the second, short suspension used to
	// tear the barrier back down. Ignored by STMS.
	ConcurrentWeakSweep bool

	// RuntimeAssertsMode enables the post-mark heap correctness scan
	// (mark.CheckMarkCorrectness) after every epoch's mark phase, before
	// sweep. Expensive; intended for
	// tests and debug builds, mirroring the original collector's
	// RuntimeAssertsMode build flag.
	RuntimeAssertsMode bool

	// MetricsNamespace is the Prometheus namespace passed to metrics.New.
	MetricsNamespace string
}

// DefaultParameters returns the conservative STMS configuration: no
// parallelism, no cooperation, no concurrent weak sweep, asserts off.
func DefaultParameters() Parameters {
	return Parameters{
		Variant:              STMS,
		GCMarkSingleThreaded: true,
		MetricsNamespace:     "gcrun",
	}
}

// Validate rejects configuration combinations the mark dispatcher cannot
// honor (mirrors mark.New's own panic guard, surfaced earlier and as an
// error instead of a panic).
func (p Parameters) Validate() error {
	if p.GCMarkSingleThreaded && p.AuxGCThreads != 0 {
		return errors.New("gc: gcMarkSingleThreaded requires zero auxiliary GC threads")
	}

	if p.Variant == STMS && p.AuxGCThreads != 0 {
		return errors.New("gc: STMS does not use auxiliary GC threads")
	}

	if p.Variant == STMS && p.MutatorsCooperate {
		return errors.New("gc: STMS never suspends mutators mid-mark, so cooperation cannot occur")
	}

	if p.AuxGCThreads < 0 {
		return errors.New("gc: auxGCThreads must be >= 0")
	}

	return nil
}

// ParametersProvider is implemented by callers that want to swap
// configuration atomically between epochs (mirrors kopia's
// RepositoryOptions-style provider pattern used to reload epoch.Parameters).
type ParametersProvider interface {
	GetParameters() Parameters
}

// staticParameters is the trivial ParametersProvider used when the caller
// hands New a fixed Parameters value instead of a provider.
type staticParameters struct{ p Parameters }

func (s staticParameters) GetParameters() Parameters { return s.p }

// NewStaticParameters wraps a fixed Parameters value as a ParametersProvider,
// for callers that have no need to reload configuration between epochs.
func NewStaticParameters(p Parameters) ParametersProvider {
	return staticParameters{p: p}
}
