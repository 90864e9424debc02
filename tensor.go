package jaclip

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Tensor is a row-major two dimensional int64 tensor.
type Tensor struct {
	data   []int64
	rows   int
	cols   int
	device Device
}

// NewTensor builds a host tensor from equally sized rows.
func NewTensor(rows [][]int64) (*Tensor, error) {
	if len(rows) == 0 {
		return &Tensor{device: DeviceCPU}, nil
	}
	cols := len(rows[0])
	data := make([]int64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, errors.Errorf("row %d has %d columns, expected %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return &Tensor{data: data, rows: len(rows), cols: cols, device: DeviceCPU}, nil
}

// Shape returns [rows, cols].
func (t *Tensor) Shape() []int {
	return []int{t.rows, t.cols}
}

func (t *Tensor) Rows() int { return t.rows }

func (t *Tensor) Cols() int { return t.cols }

// Device reports where the tensor was placed.
func (t *Tensor) Device() Device { return t.device }

// Data returns the backing row-major slice. It must not be modified.
func (t *Tensor) Data() []int64 { return t.data }

// Row returns a copy of row i.
func (t *Tensor) Row(i int) []int64 {
	out := make([]int64, t.cols)
	copy(out, t.data[i*t.cols:(i+1)*t.cols])
	return out
}

// At returns the element at row i, column j.
func (t *Tensor) At(i, j int) int64 {
	return t.data[i*t.cols+j]
}

// ToRows returns a nested copy of the tensor.
func (t *Tensor) ToRows() [][]int64 {
	out := make([][]int64, t.rows)
	for i := range out {
		out[i] = t.Row(i)
	}
	return out
}

// withDevice returns a shallow copy tagged with d. The data slice is shared.
func (t *Tensor) withDevice(d Device) *Tensor {
	c := *t
	c.device = d
	return &c
}

// MarshalJSON encodes the tensor as nested arrays.
func (t *Tensor) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.ToRows())
}

// Batch holds the three aligned tensors produced by Tokenize. All of them have
// shape (number of texts, max sequence length).
type Batch struct {
	InputIDs      *Tensor `json:"input_ids"`
	AttentionMask *Tensor `json:"attention_mask"`
	PositionIDs   *Tensor `json:"position_ids"`
}

// Named returns the tensors keyed by the model input names.
func (b *Batch) Named() map[string]*Tensor {
	return map[string]*Tensor{
		KeyInputIDs:      b.InputIDs,
		KeyAttentionMask: b.AttentionMask,
		KeyPositionIDs:   b.PositionIDs,
	}
}

// Len returns the number of examples.
func (b *Batch) Len() int {
	if b.InputIDs == nil {
		return 0
	}
	return b.InputIDs.Rows()
}
