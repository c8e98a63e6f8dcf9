package device

// Mode fixes how kernels may access a buffer. Host transfers are allowed in
// every mode; the mode only constrains kernel arguments.
type Mode uint8

const (
	ReadOnly Mode = iota + 1
	WriteOnly
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case WriteOnly:
		return "write-only"
	case ReadWrite:
		return "read-write"
	default:
		return "invalid"
	}
}

// Valid reports whether m is one of the three access modes.
func (m Mode) Valid() bool {
	return m >= ReadOnly && m <= ReadWrite
}

// KernelReadable reports whether a kernel may bind the buffer as an input.
func (m Mode) KernelReadable() bool {
	return m == ReadOnly || m == ReadWrite
}

// KernelWritable reports whether a kernel may bind the buffer as an output.
func (m Mode) KernelWritable() bool {
	return m == WriteOnly || m == ReadWrite
}
