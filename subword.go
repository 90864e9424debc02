package jaclip

import (
	"github.com/pkg/errors"
)

// PaddingStrategy selects how EncodeBatch pads rows.
type PaddingStrategy uint8

const (
	// PaddingNone leaves every row at its natural length.
	PaddingNone PaddingStrategy = iota
	// PaddingLongest pads every row to the longest row of the batch.
	PaddingLongest
	// PaddingMaxLength pads every row to EncodeOptions.MaxLength.
	PaddingMaxLength
)

func (p PaddingStrategy) String() string {
	switch p {
	case PaddingNone:
		return "none"
	case PaddingLongest:
		return "longest"
	case PaddingMaxLength:
		return "max_length"
	default:
		return "unknown"
	}
}

// EncodeOptions mirrors the keyword options of a HuggingFace tokenizer call.
// Padding is applied on the right with the tokenizer's pad id and truncation
// drops tokens from the right.
type EncodeOptions struct {
	MaxLength        int
	Padding          PaddingStrategy
	Truncation       bool
	AddSpecialTokens bool
}

// BatchEncoding is the output of a batch tokenizer call. Rows of InputIDs and
// AttentionMask are index aligned.
type BatchEncoding struct {
	InputIDs      [][]int64
	AttentionMask [][]int64
}

// Len returns the number of rows.
func (b *BatchEncoding) Len() int {
	return len(b.InputIDs)
}

// SubwordTokenizer is a loaded pretrained tokenizer. Implementations are not
// required to be safe for concurrent use.
type SubwordTokenizer interface {
	// EncodeBatch tokenizes every text in one call.
	EncodeBatch(texts []string, opts EncodeOptions) (*BatchEncoding, error)
	// CLSTokenID is the id of the classifier token.
	CLSTokenID() int64
	// PadTokenID is the id used for padding positions.
	PadTokenID() int64
	Close() error
}

func validateEncodeOptions(opts EncodeOptions) error {
	if (opts.Truncation || opts.Padding == PaddingMaxLength) && opts.MaxLength <= 0 {
		return errors.Errorf("max length must be positive when truncating or padding to max length, got %d", opts.MaxLength)
	}
	return nil
}

// applyLengthPolicy turns raw per-text ids into a BatchEncoding following
// opts. raw is not modified.
func applyLengthPolicy(raw [][]int64, padID int64, opts EncodeOptions) (*BatchEncoding, error) {
	if err := validateEncodeOptions(opts); err != nil {
		return nil, err
	}
	ids := make([][]int64, len(raw))
	for i, row := range raw {
		n := len(row)
		if opts.Truncation && n > opts.MaxLength {
			n = opts.MaxLength
		}
		ids[i] = append(make([]int64, 0, n), row[:n]...)
	}

	target := 0
	switch opts.Padding {
	case PaddingMaxLength:
		target = opts.MaxLength
	case PaddingLongest:
		for _, row := range ids {
			if len(row) > target {
				target = len(row)
			}
		}
	}

	enc := &BatchEncoding{
		InputIDs:      make([][]int64, len(ids)),
		AttentionMask: make([][]int64, len(ids)),
	}
	for i, row := range ids {
		width := len(row)
		if target > width {
			width = target
		}
		outIDs := make([]int64, width)
		mask := make([]int64, width)
		copy(outIDs, row)
		for j := range row {
			mask[j] = 1
		}
		for j := len(row); j < width; j++ {
			outIDs[j] = padID
		}
		enc.InputIDs[i] = outIDs
		enc.AttentionMask[i] = mask
	}
	return enc, nil
}

func intsToInt64(in []int) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

func uint32sToInt64(in []uint32) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}
