package device

import (
	"sort"

	"github.com/23skdu/longbow-devmat/internal/numeric"
)

// Op is a kernel operation, independent of element type.
type Op uint8

const (
	OpAdd Op = iota
	OpSub
	OpMultiply
	OpDot
	OpCopyTo
	OpTranspose
	OpMax
	OpMin
	OpDMax
	OpDMin
	OpMSE
	OpDMSE
	numOps
)

var opNames = [numOps]string{
	OpAdd:       "add",
	OpSub:       "sub",
	OpMultiply:  "multiply",
	OpDot:       "dot",
	OpCopyTo:    "copy_to",
	OpTranspose: "transpose",
	OpMax:       "max",
	OpMin:       "min",
	OpDMax:      "dmax",
	OpDMin:      "dmin",
	OpMSE:       "mse",
	OpDMSE:      "dmse",
}

func (o Op) String() string {
	if o >= numOps {
		return "unknown"
	}
	return opNames[o]
}

// Ops lists every operation in table order.
func Ops() []Op {
	ops := make([]Op, numOps)
	for i := range ops {
		ops[i] = Op(i)
	}
	return ops
}

// KernelName is the compiled name of the (op, elem) kernel,
// e.g. vector_add_float.
func KernelName(op Op, elem numeric.Elem) string {
	return "vector_" + op.String() + "_" + elem.Name()
}

// KernelKey indexes the program table.
type KernelKey struct {
	Op   Op
	Elem numeric.Elem
}

// ParamKind classifies a kernel parameter for argument validation.
type ParamKind uint8

const (
	// ParamIn is a buffer the kernel reads.
	ParamIn ParamKind = iota
	// ParamOut is a buffer the kernel writes.
	ParamOut
	// ParamScalar is a value of the kernel's element type.
	ParamScalar
	// ParamSize is a non-negative int dimension.
	ParamSize
)

func (k ParamKind) String() string {
	switch k {
	case ParamIn:
		return "in"
	case ParamOut:
		return "out"
	case ParamScalar:
		return "scalar"
	case ParamSize:
		return "size"
	}
	return "unknown"
}

// Param describes one kernel argument slot.
type Param struct {
	Name string
	Kind ParamKind
}

// execFunc runs work items [lo, hi) along the first work dimension.
// Buffer arguments arrive as their backing []T.
type execFunc func(args []any, ws WorkSize, lo, hi int)

// Kernel is one compiled, type-specialized device program.
type Kernel struct {
	key    KernelKey
	name   string
	params []Param
	exec   execFunc
}

func (k *Kernel) Name() string       { return k.name }
func (k *Kernel) Op() Op             { return k.key.Op }
func (k *Kernel) Elem() numeric.Elem { return k.key.Elem }

// Params returns the kernel's argument slots in binding order.
func (k *Kernel) Params() []Param { return k.params }

// WorkSize is the global range of a dispatch. Y is 1 for one-dimensional
// kernels.
type WorkSize struct {
	X, Y int
}

// Range1 returns a one-dimensional work size.
func Range1(n int) WorkSize { return WorkSize{X: n, Y: 1} }

// Range2 returns a two-dimensional work size.
func Range2(x, y int) WorkSize { return WorkSize{X: x, Y: y} }

// Items is the total number of work items.
func (w WorkSize) Items() int {
	y := w.Y
	if y < 1 {
		y = 1
	}
	return w.X * y
}

// program is the set of kernels compiled for a context.
type program struct {
	kernels map[KernelKey]*Kernel
	byName  map[string]*Kernel
}

func buildProgram(elems []numeric.Elem) *program {
	p := &program{
		kernels: make(map[KernelKey]*Kernel),
		byName:  make(map[string]*Kernel),
	}
	for _, e := range elems {
		switch e {
		case numeric.Int32:
			compile[int32](p)
		case numeric.Int64:
			compile[int64](p)
		case numeric.Float32:
			compile[float32](p)
		case numeric.Float64:
			compile[float64](p)
		}
	}
	return p
}

func (p *program) add(op Op, elem numeric.Elem, params []Param, exec execFunc) {
	k := &Kernel{
		key:    KernelKey{Op: op, Elem: elem},
		name:   KernelName(op, elem),
		params: params,
		exec:   exec,
	}
	p.kernels[k.key] = k
	p.byName[k.name] = k
}

// list returns the kernels sorted by name.
func (p *program) list() []*Kernel {
	out := make([]*Kernel, 0, len(p.kernels))
	for _, k := range p.kernels {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
