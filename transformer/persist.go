package transformer

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

type tensorData struct {
	R, C int
	Data []float64
}

type checkpointData struct {
	Tensors map[string]tensorData
}

// SaveParams persists every parameter of ps (weights only) using gob.
func SaveParams(path string, ps ParamSet) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteParams(f, ps); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func WriteParams(w io.Writer, ps ParamSet) error {
	data := checkpointData{Tensors: make(map[string]tensorData, len(ps))}
	for name, n := range ps {
		r, c := n.Dims()
		raw := mat.DenseCopyOf(n.Value).RawMatrix()
		data.Tensors[name] = tensorData{R: r, C: c, Data: append([]float64(nil), raw.Data...)}
	}
	return gob.NewEncoder(w).Encode(&data)
}

// LoadParams copies saved weights into ps. Every name in ps must be
// present in the file with the same shape; extra names in the file are
// ignored so a partial module can load from a full checkpoint.
func LoadParams(path string, ps ParamSet) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return ReadParams(f, ps)
}

func ReadParams(r io.Reader, ps ParamSet) error {
	var data checkpointData
	if err := gob.NewDecoder(r).Decode(&data); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	for _, name := range ps.Names() {
		t, ok := data.Tensors[name]
		if !ok {
			return fmt.Errorf("checkpoint: missing %q", name)
		}
		n := ps[name]
		if r, c := n.Dims(); r != t.R || c != t.C {
			return fmt.Errorf("checkpoint: %q is %dx%d, want %dx%d", name, t.R, t.C, r, c)
		}
		n.Value.Copy(mat.NewDense(t.R, t.C, t.Data))
	}
	return nil
}
