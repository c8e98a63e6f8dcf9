package dense

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-devmat/internal/numeric"
)

func arrowType(e numeric.Elem) arrow.DataType {
	switch e {
	case numeric.Int32:
		return arrow.PrimitiveTypes.Int32
	case numeric.Int64:
		return arrow.PrimitiveTypes.Int64
	case numeric.Float32:
		return arrow.PrimitiveTypes.Float32
	case numeric.Float64:
		return arrow.PrimitiveTypes.Float64
	}
	return nil
}

// RecordBatch exports the matrix as one Arrow row per matrix row:
// { "row": fixed_size_list<T>[columns] }. The caller releases the record.
func (m *Matrix[T]) RecordBatch(pool memory.Allocator) (arrow.RecordBatch, error) {
	if pool == nil {
		pool = memory.NewGoAllocator()
	}
	if m.columns == 0 {
		return nil, fmt.Errorf("dense: cannot export matrix with zero columns")
	}
	valueType := arrowType(numeric.ElemOf[T]())

	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "row", Type: arrow.FixedSizeListOf(int32(m.columns), valueType)},
		},
		nil,
	)

	rowBuilder := array.NewFixedSizeListBuilder(pool, int32(m.columns), valueType)
	defer rowBuilder.Release()

	for i := 0; i < m.rows; i++ {
		rowBuilder.Append(true)
		row := m.data[i*m.columns : (i+1)*m.columns]
		switch vb := rowBuilder.ValueBuilder().(type) {
		case *array.Int32Builder:
			vb.AppendValues(any(row).([]int32), nil)
		case *array.Int64Builder:
			vb.AppendValues(any(row).([]int64), nil)
		case *array.Float32Builder:
			vb.AppendValues(any(row).([]float32), nil)
		case *array.Float64Builder:
			vb.AppendValues(any(row).([]float64), nil)
		default:
			return nil, fmt.Errorf("dense: unsupported arrow builder %T", vb)
		}
	}

	rows := rowBuilder.NewArray()
	defer rows.Release()

	return array.NewRecordBatch(schema, []arrow.Array{rows}, int64(m.rows)), nil
}

// WriteArrowStream writes rec as an Arrow IPC stream.
func WriteArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
