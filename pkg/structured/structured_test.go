package structured

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type quadraticRecorder struct {
	UnimplementedObject
	gotAddLoss bool
	gotOpt     OptType
}

func (q *quadraticRecorder) Argmax(sol []float64, idx int, addLoss bool, opt OptType) (*Decoded, error) {
	q.gotAddLoss = addLoss
	q.gotOpt = opt
	return &Decoded{Latent: []int{idx}}, nil
}

func TestUnimplementedObject(t *testing.T) {
	var o Object = UnimplementedObject{}

	assert.Equal(t, 0, o.NumSamples())

	_, err := o.NumDims()
	assert.ErrorIs(t, err, ErrNotImplemented)

	_, err = o.JointFeatureMap(0, nil)
	assert.ErrorIs(t, err, ErrNotImplemented)

	_, err = o.Loss(0, nil)
	assert.ErrorIs(t, err, ErrNotImplemented)

	_, err = o.Argmax(nil, 0, false, Linear)
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestArgmin(t *testing.T) {
	q := &quadraticRecorder{gotAddLoss: true}

	d, err := Argmin(q, []float64{1}, 3)

	assert.NoError(t, err)
	assert.Equal(t, []int{3}, d.Latent)
	assert.False(t, q.gotAddLoss)
	assert.Equal(t, Quadratic, q.gotOpt)
}

func TestOptTypeString(t *testing.T) {
	assert.Equal(t, "linear", Linear.String())
	assert.Equal(t, "quadratic", Quadratic.String())
	assert.Equal(t, "OptType(7)", OptType(7).String())
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, []int{}))
	assert.True(t, Equal([]int{1, 0}, []int{1, 0}))
	assert.False(t, Equal([]int{1, 0}, []int{1, 1}))
	assert.False(t, Equal([]int{1}, []int{1, 1}))
}
