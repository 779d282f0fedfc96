// Package structured defines structured example sets and the capability
// contract shared by all structured models: a joint feature map, a structured
// loss and an argmax oracle.
package structured

import "fmt"

// OptType selects the per-example scoring variant used by Argmax.
type OptType int

const (
	// Linear scores an assignment by <sol, Phi(x, y)>.
	Linear OptType = iota
	// Quadratic scores an assignment by comparing Phi(x, y) against sol itself,
	// as used by one-class style decoding.
	Quadratic
)

// String returns the option name.
func (o OptType) String() string {
	switch o {
	case Linear:
		return "linear"
	case Quadratic:
		return "quadratic"
	default:
		return fmt.Sprintf("OptType(%d)", int(o))
	}
}

// Decoded is the outcome of an argmax query.
type Decoded struct {
	// Score is the objective value achieved by Latent, loss term included.
	Score float64
	// Latent is the best-scoring assignment.
	Latent []int
	// Feature is Phi(x, Latent).
	Feature []float64
}

// Object is the contract every structured model implements.
//
// Implementations are read-only after construction: all methods are pure
// functions of their arguments and the underlying example set, so they may be
// called from several goroutines at once.
type Object interface {
	// NumSamples returns the number of examples.
	NumSamples() int

	// NumDims returns the length of the joint feature vector.
	NumDims() (int, error)

	// JointFeatureMap computes Phi(x_idx, y).
	JointFeatureMap(idx int, y []int) ([]float64, error)

	// Loss returns the structured loss between the ground truth of example
	// idx and y. It is zero iff y equals the ground truth.
	Loss(idx int, y []int) (float64, error)

	// Argmax returns the assignment maximising the opt-type score under sol,
	// plus one unit of loss per mismatching position when addLoss is set.
	Argmax(sol []float64, idx int, addLoss bool, opt OptType) (*Decoded, error)
}

// Labeled is implemented by objects that can report the ground-truth
// assignment of an example.
type Labeled interface {
	GroundTruth(idx int) ([]int, error)
}

// Argmin returns the least anomalous explanation of example idx under sol:
// the quadratic argmax without loss augmentation.
func Argmin(o Object, sol []float64, idx int) (*Decoded, error) {
	return o.Argmax(sol, idx, false, Quadratic)
}

// UnimplementedObject can be embedded to get ErrNotImplemented for every
// capability a model does not provide.
type UnimplementedObject struct{}

// NumSamples returns zero.
func (UnimplementedObject) NumSamples() int { return 0 }

// NumDims returns ErrNotImplemented.
func (UnimplementedObject) NumDims() (int, error) {
	return 0, fmt.Errorf("num dims: %w", ErrNotImplemented)
}

// JointFeatureMap returns ErrNotImplemented.
func (UnimplementedObject) JointFeatureMap(int, []int) ([]float64, error) {
	return nil, fmt.Errorf("joint feature map: %w", ErrNotImplemented)
}

// Loss returns ErrNotImplemented.
func (UnimplementedObject) Loss(int, []int) (float64, error) {
	return 0, fmt.Errorf("loss: %w", ErrNotImplemented)
}

// Argmax returns ErrNotImplemented.
func (UnimplementedObject) Argmax([]float64, int, bool, OptType) (*Decoded, error) {
	return nil, fmt.Errorf("argmax: %w", ErrNotImplemented)
}

var _ Object = UnimplementedObject{}

// Equal reports whether two assignments are identical.
func Equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
