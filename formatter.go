package jaclip

import (
	"context"

	"github.com/pkg/errors"
)

type tokenizeConfig struct {
	tokenizer  SubwordTokenizer
	modelID    string
	maxSeqLen  int
	device     Device
	placer     Placer
	loaderOpts []LoaderOption
}

type TokenizeOption func(c *tokenizeConfig) error

// WithTokenizer makes Tokenize use tok instead of loading one. Tokenize never
// closes a tokenizer passed this way.
func WithTokenizer(tok SubwordTokenizer) TokenizeOption {
	return func(c *tokenizeConfig) error {
		if tok == nil {
			return errors.New("tokenizer cannot be nil")
		}
		c.tokenizer = tok
		return nil
	}
}

// WithMaxSeqLen sets the output sequence length, classifier token included.
func WithMaxSeqLen(n int) TokenizeOption {
	return func(c *tokenizeConfig) error {
		c.maxSeqLen = n
		return nil
	}
}

// WithDevice sets the device the tensors are placed on. Without it the device
// is DefaultDevice of the placer.
func WithDevice(d Device) TokenizeOption {
	return func(c *tokenizeConfig) error {
		if d == "" {
			return errors.New("device cannot be empty")
		}
		c.device = d
		return nil
	}
}

// WithPlacer sets the tensor placer. Defaults to HostPlacer.
func WithPlacer(p Placer) TokenizeOption {
	return func(c *tokenizeConfig) error {
		if p == nil {
			return errors.New("placer cannot be nil")
		}
		c.placer = p
		return nil
	}
}

// WithModelID sets the artifact loaded when no tokenizer is supplied.
func WithModelID(modelID string) TokenizeOption {
	return func(c *tokenizeConfig) error {
		c.modelID = modelID
		return nil
	}
}

// WithLoaderOptions passes options to LoadTokenizer when no tokenizer is supplied.
func WithLoaderOptions(opts ...LoaderOption) TokenizeOption {
	return func(c *tokenizeConfig) error {
		c.loaderOpts = append(c.loaderOpts, opts...)
		return nil
	}
}

// TokenizeText is Tokenize for a single text.
func TokenizeText(ctx context.Context, text string, opts ...TokenizeOption) (*Batch, error) {
	return Tokenize(ctx, []string{text}, opts...)
}

// Tokenize converts texts into a Batch of shape (len(texts), max sequence
// length). Each row starts with the classifier token followed by at most
// maxSeqLen-1 subword ids, right padded with the tokenizer's pad id.
//
// Errors raised by the tokenizer, or by LoadTokenizer when no tokenizer was
// supplied, are returned unchanged.
func Tokenize(ctx context.Context, texts []string, opts ...TokenizeOption) (*Batch, error) {
	cfg := &tokenizeConfig{
		maxSeqLen: DefaultMaxSeqLen,
		placer:    HostPlacer{},
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, errors.Wrap(err, "failed to apply tokenize option")
		}
	}
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	if cfg.maxSeqLen <= 1 {
		return nil, errors.Wrapf(ErrInvalidMaxSeqLen, "got %d", cfg.maxSeqLen)
	}
	device := cfg.device
	if device == "" {
		device = DefaultDevice(cfg.placer)
	}
	if !cfg.placer.Available(device) {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "%s", device)
	}

	tok := cfg.tokenizer
	if tok == nil {
		loaded, err := LoadTokenizer(ctx, cfg.modelID, cfg.loaderOpts...)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = loaded.Close()
		}()
		tok = loaded
	}

	enc, err := tok.EncodeBatch(texts, EncodeOptions{
		MaxLength:        cfg.maxSeqLen - 1,
		Padding:          PaddingMaxLength,
		Truncation:       true,
		AddSpecialTokens: false,
	})
	if err != nil {
		return nil, err
	}
	return formatBatch(enc, tok.CLSTokenID(), len(texts), cfg.maxSeqLen, cfg.placer, device)
}

func formatBatch(enc *BatchEncoding, clsID int64, n, maxSeqLen int, placer Placer, device Device) (*Batch, error) {
	if enc == nil || enc.Len() != n || len(enc.AttentionMask) != n {
		return nil, errors.Wrapf(ErrMalformedEncoding, "expected %d rows", n)
	}
	contentLen := maxSeqLen - 1
	ids := make([][]int64, n)
	masks := make([][]int64, n)
	positions := make([][]int64, n)
	for i := 0; i < n; i++ {
		if len(enc.InputIDs[i]) != contentLen || len(enc.AttentionMask[i]) != contentLen {
			return nil, errors.Wrapf(ErrMalformedEncoding, "row %d has %d ids and %d mask values, expected %d",
				i, len(enc.InputIDs[i]), len(enc.AttentionMask[i]), contentLen)
		}
		ids[i] = append(append(make([]int64, 0, maxSeqLen), clsID), enc.InputIDs[i]...)
		masks[i] = append(append(make([]int64, 0, maxSeqLen), 1), enc.AttentionMask[i]...)
		positions[i] = positionIDs(maxSeqLen)
	}

	batch := &Batch{}
	for _, f := range []struct {
		rows [][]int64
		dst  **Tensor
		name string
	}{
		{ids, &batch.InputIDs, KeyInputIDs},
		{masks, &batch.AttentionMask, KeyAttentionMask},
		{positions, &batch.PositionIDs, KeyPositionIDs},
	} {
		host, err := NewTensor(f.rows)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build %s tensor", f.name)
		}
		placed, err := placer.Place(host, device)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to place %s tensor", f.name)
		}
		*f.dst = placed
	}
	return batch, nil
}

func positionIDs(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i)
	}
	return out
}
