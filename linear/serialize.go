package linear

import (
	"encoding/gob"
	"errors"
	"io"

	"github.com/n0madic/go-sinkhorn/geometry"
)

// OutputState is the serializable subset of an Output. The geometry is
// not encoded; it is reattached on load so that saved potentials can
// warm-restart a solve on the same (or an equivalent) cost structure.
type OutputState struct {
	Version   int       `gob:"version"`
	F         []float64 `gob:"f"`
	G         []float64 `gob:"g"`
	A         []float64 `gob:"a"`
	B         []float64 `gob:"b"`
	TauA      float64   `gob:"tau_a"`
	TauB      float64   `gob:"tau_b"`
	Errors    []float64 `gob:"errors"`
	Converged bool      `gob:"converged"`
	NumIters  int       `gob:"n_iters"`
}

// Save serializes the output state to gob format.
func (o *Output) Save(w io.Writer) error {
	state := OutputState{
		Version:   1,
		F:         o.F,
		G:         o.G,
		A:         o.A,
		B:         o.B,
		TauA:      o.TauA,
		TauB:      o.TauB,
		Errors:    o.Errors,
		Converged: o.Converged,
		NumIters:  o.NumIters,
	}
	return gob.NewEncoder(w).Encode(state)
}

// LoadOutput deserializes an output and reattaches it to a geometry.
// The geometry's supports must match the saved potentials.
func LoadOutput(r io.Reader, geom *geometry.Geometry) (*Output, error) {
	var state OutputState
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return nil, err
	}
	if state.Version != 1 {
		return nil, errors.New("linear: unsupported gob version")
	}
	if geom == nil {
		return nil, errors.New("linear: nil geometry")
	}
	n, m := geom.Shape()
	if len(state.F) != n || len(state.G) != m {
		return nil, ErrInitMismatch
	}
	return &Output{
		F:         state.F,
		G:         state.G,
		A:         state.A,
		B:         state.B,
		TauA:      state.TauA,
		TauB:      state.TauB,
		Geom:      geom,
		Errors:    state.Errors,
		Converged: state.Converged,
		NumIters:  state.NumIters,
	}, nil
}
