package tensor

// Mat represents a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Data holds the flattened
// matrix values; row r starts at r*C. Mat does not perform any memory safety
// beyond the checks performed by Go's slice types.
type Mat struct {
	R, C int
	Data []float32
}

// NewMat allocates a zero-initialised matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Data: make([]float32, r*c)}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{R: r, C: c, Data: data}
}

// Row returns the r-th row as a sub-slice of the backing data.
func (m *Mat) Row(r int) []float32 {
	return m.Data[r*m.C : (r+1)*m.C]
}
