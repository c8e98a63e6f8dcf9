package dense

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-devmat/internal/numeric"
)

type wireMatrix[T numeric.Number] struct {
	Elem    string `cbor:"elem"`
	Rows    int    `cbor:"rows"`
	Columns int    `cbor:"cols"`
	Data    []T    `cbor:"data"`
}

// MarshalCBOR encodes the matrix together with its element type name.
func (m *Matrix[T]) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(wireMatrix[T]{
		Elem:    numeric.ElemOf[T]().Name(),
		Rows:    m.rows,
		Columns: m.columns,
		Data:    m.data,
	})
}

// UnmarshalCBOR decodes a matrix written by MarshalCBOR. The encoded element
// type must match T.
func (m *Matrix[T]) UnmarshalCBOR(b []byte) error {
	var w wireMatrix[T]
	if err := cbor.Unmarshal(b, &w); err != nil {
		return err
	}
	if want := numeric.ElemOf[T]().Name(); w.Elem != want {
		return fmt.Errorf("dense: element type %q, want %q", w.Elem, want)
	}
	if w.Rows < 0 || w.Columns < 0 || len(w.Data) != w.Rows*w.Columns {
		return fmt.Errorf("dense: corrupt matrix %dx%d with %d elements", w.Rows, w.Columns, len(w.Data))
	}
	m.rows, m.columns, m.data = w.Rows, w.Columns, w.Data
	if m.data == nil {
		m.data = []T{}
	}
	return nil
}
