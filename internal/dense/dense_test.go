package dense

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestMatrix_Basics(t *testing.T) {
	m := MustFromSlice(2, 3, []int32{
		1, 2, 3,
		4, 5, 6,
	})

	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, int32(6), m.At(1, 2))

	m.Set(0, 1, 20)
	assert.Equal(t, int32(20), m.Data()[1])

	clone := m.Clone()
	assert.True(t, clone.Equal(m))
	clone.Set(0, 0, -1)
	assert.False(t, clone.Equal(m))

	assert.Panics(t, func() { m.At(2, 0) })

	_, err := FromSlice(2, 2, []float32{1, 2, 3})
	assert.Error(t, err)
}

func TestMatrix_ApproxEqual(t *testing.T) {
	a := MustFromSlice(1, 3, []float32{1, 2, 3})
	b := MustFromSlice(1, 3, []float32{1, 2.00001, 3})
	assert.True(t, a.ApproxEqual(b, 1e-4))
	assert.False(t, a.ApproxEqual(b, 1e-7))
	assert.False(t, a.ApproxEqual(MustFromSlice(3, 1, []float32{1, 2, 3}), 1))
}

func TestMatrix_GonumInterop(t *testing.T) {
	d := mat.NewDense(2, 2, []float64{1.5, 2, 3, 4})

	m := FromDense[float64](d)
	assert.Equal(t, 1.5, m.At(0, 0))
	assert.True(t, mat.Equal(d, m.Dense()))

	ints := FromDense[int32](d)
	assert.Equal(t, []int32{1, 2, 3, 4}, ints.Data())
}

func TestMatrix_CBOR(t *testing.T) {
	m := MustFromSlice(2, 2, []float64{0.25, -1, 3, 4})

	b, err := cbor.Marshal(m)
	require.NoError(t, err)

	var out Matrix[float64]
	require.NoError(t, cbor.Unmarshal(b, &out))
	assert.True(t, m.Equal(&out))

	var wrong Matrix[int32]
	assert.Error(t, cbor.Unmarshal(b, &wrong))
}

func TestMatrix_RecordBatch(t *testing.T) {
	m := MustFromSlice(2, 3, []float32{1, 2, 3, 4, 5, 6})

	rec, err := m.RecordBatch(memory.NewGoAllocator())
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(2), rec.NumRows())
	assert.Equal(t, "row", rec.ColumnName(0))

	rows := rec.Column(0).(*array.FixedSizeList)
	values := rows.ListValues().(*array.Float32)
	assert.Equal(t, 6, values.Len())
	assert.Equal(t, float32(6), values.Value(5))

	var buf bytes.Buffer
	require.NoError(t, WriteArrowStream(&buf, rec))

	reader, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer reader.Release()
	require.True(t, reader.Next())
	assert.Equal(t, int64(2), reader.Record().NumRows())
}
