package jaclip

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// GoTokenizer runs a HuggingFace tokenizer.json with sugarme/tokenizer, a pure
// Go port. It needs no shared library.
type GoTokenizer struct {
	tok   *tk.Tokenizer
	clsID int64
	padID int64
}

var _ SubwordTokenizer = (*GoTokenizer)(nil)

type goTokenizerConfig struct {
	lowerCase bool
	special   SpecialTokens
	logger    zerolog.Logger
}

type GoOption func(c *goTokenizerConfig) error

func WithGoLowerCase(enabled bool) GoOption {
	return func(c *goTokenizerConfig) error {
		c.lowerCase = enabled
		return nil
	}
}

func WithGoSpecialTokens(st SpecialTokens) GoOption {
	return func(c *goTokenizerConfig) error {
		c.special = st
		return nil
	}
}

func WithGoLogger(logger zerolog.Logger) GoOption {
	return func(c *goTokenizerConfig) error {
		c.logger = logger
		return nil
	}
}

// NewGoTokenizer creates a tokenizer from the content of a tokenizer.json.
func NewGoTokenizer(config []byte, opts ...GoOption) (*GoTokenizer, error) {
	cfg := &goTokenizerConfig{
		special: SpecialTokens{CLS: DefaultCLSToken, Pad: DefaultPadToken},
		logger:  nopLogger,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, errors.Wrap(err, "failed to apply tokenizer option")
		}
	}
	if len(config) == 0 {
		return nil, errors.New("tokenizer config cannot be empty")
	}
	var err error
	if cfg.lowerCase {
		if config, err = withLowercaseNormalizer(config); err != nil {
			return nil, err
		}
	}
	tj, err := parseTokenizerJSON(config)
	if err != nil {
		return nil, err
	}
	tok, err := pretrained.FromReader(bytes.NewReader(config))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create tokenizer from tokenizer.json")
	}

	t := &GoTokenizer{tok: tok}
	if t.clsID, err = goTokenID(tok, tj, cfg.special.CLS, false); err != nil {
		return nil, errors.Wrap(err, "failed to resolve classifier token")
	}
	if t.padID, err = goTokenID(tok, tj, cfg.special.Pad, true); err != nil {
		return nil, errors.Wrap(err, "failed to resolve pad token")
	}
	cfg.logger.Debug().
		Int64("cls_id", t.clsID).
		Int64("pad_id", t.padID).
		Bool("lower_case", cfg.lowerCase).
		Msg("go tokenizer ready")
	return t, nil
}

func goTokenID(tok *tk.Tokenizer, tj *tokenizerJSON, token string, pad bool) (int64, error) {
	if pad && tj.Padding != nil {
		return tj.padID(token)
	}
	if id, ok := tok.TokenToId(token); ok {
		return int64(id), nil
	}
	return tj.tokenID(token)
}

func (t *GoTokenizer) CLSTokenID() int64 { return t.clsID }

func (t *GoTokenizer) PadTokenID() int64 { return t.padID }

func (t *GoTokenizer) EncodeBatch(texts []string, opts EncodeOptions) (*BatchEncoding, error) {
	if err := validateEncodeOptions(opts); err != nil {
		return nil, err
	}
	raw := make([][]int64, len(texts))
	for i, text := range texts {
		enc, err := t.tok.EncodeSingle(text, opts.AddSpecialTokens)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode text %d", i)
		}
		raw[i] = intsToInt64(enc.Ids)
	}
	return applyLengthPolicy(raw, t.padID, opts)
}

// Close is a no-op; the tokenizer holds no external resources.
func (t *GoTokenizer) Close() error {
	return nil
}
