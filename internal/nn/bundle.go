package nn

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrContractViolation marks programming-contract failures of the
	// marshalling protocol. They abort the run.
	ErrContractViolation = errors.New("contract violation")
	ErrBundleShape       = errors.New("bundle shape mismatch")
	ErrMissingGradient   = errors.New("gradient absent")
	ErrIndividualRange   = errors.New("individual index out of range")
)

// Bundle is indexed [individual][layer][parameter]. Layers without
// parameters keep their position with an empty slice.
type Bundle [][][]*mat.Dense

// Clone returns a deep copy of b.
func (b Bundle) Clone() Bundle {
	out := make(Bundle, len(b))
	for i, individual := range b {
		out[i] = make([][]*mat.Dense, len(individual))
		for l, layer := range individual {
			out[i][l] = make([]*mat.Dense, len(layer))
			for p, tensor := range layer {
				out[i][l][p] = mat.DenseCopyOf(tensor)
			}
		}
	}
	return out
}

// BundleError locates a marshalling failure.
type BundleError struct {
	Op         string
	Individual int
	Layer      int
	Param      int
	Detail     string
	Err        error
}

func (e *BundleError) Error() string {
	if e.Individual < 0 {
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Err, e.Detail)
	}
	if e.Layer < 0 {
		return fmt.Sprintf("%s: individual %d: %v: %s", e.Op, e.Individual, e.Err, e.Detail)
	}
	if e.Param < 0 {
		return fmt.Sprintf("%s: individual %d layer %d: %v: %s", e.Op, e.Individual, e.Layer, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: individual %d layer %d param %d: %v: %s", e.Op, e.Individual, e.Layer, e.Param, e.Err, e.Detail)
}

func (e *BundleError) Unwrap() []error {
	return []error{ErrContractViolation, e.Err}
}

// CheckShape verifies that b has exactly the layout of ref.
func (b Bundle) CheckShape(op string, ref Bundle) error {
	if len(b) != len(ref) {
		return &BundleError{Op: op, Individual: -1, Layer: -1, Param: -1, Err: ErrBundleShape,
			Detail: fmt.Sprintf("got %d individuals, want %d", len(b), len(ref))}
	}
	for i := range ref {
		if len(b[i]) != len(ref[i]) {
			return &BundleError{Op: op, Individual: i, Layer: -1, Param: -1, Err: ErrBundleShape,
				Detail: fmt.Sprintf("got %d layers, want %d", len(b[i]), len(ref[i]))}
		}
		for l := range ref[i] {
			if len(b[i][l]) != len(ref[i][l]) {
				return &BundleError{Op: op, Individual: i, Layer: l, Param: -1, Err: ErrBundleShape,
					Detail: fmt.Sprintf("got %d params, want %d", len(b[i][l]), len(ref[i][l]))}
			}
			for p := range ref[i][l] {
				if err := checkTensor(op, i, l, p, b[i][l][p], ref[i][l][p]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func checkTensor(op string, i, l, p int, got, want *mat.Dense) error {
	if got == nil {
		return &BundleError{Op: op, Individual: i, Layer: l, Param: p, Err: ErrBundleShape, Detail: "nil tensor"}
	}
	gr, gc := got.Dims()
	wr, wc := want.Dims()
	if gr != wr || gc != wc {
		return &BundleError{Op: op, Individual: i, Layer: l, Param: p, Err: ErrBundleShape,
			Detail: fmt.Sprintf("got %dx%d, want %dx%d", gr, gc, wr, wc)}
	}
	return nil
}
