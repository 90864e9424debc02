package jaclip

import (
	"bytes"
	"strings"

	"github.com/eliben/go-sentencepiece"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/unigram"
	"github.com/sugarme/tokenizer/pretokenizer"
	"golang.org/x/text/unicode/norm"
)

// spaceSymbol is the SentencePiece whitespace marker (U+2581).
const spaceSymbol = "\u2581"

// pieceEncoder turns text into SentencePiece ids.
type pieceEncoder interface {
	EncodeIDs(text string) ([]int64, error)
}

// SentencePieceTokenizer encodes with a SentencePiece model (spiece.model), the
// format of the rinna Japanese tokenizers. Unigram models run on the
// sugarme/tokenizer Unigram model, BPE models on eliben/go-sentencepiece.
type SentencePieceTokenizer struct {
	enc       pieceEncoder
	lowerCase bool
	keep      []string
	clsID     int64
	padID     int64
}

var _ SubwordTokenizer = (*SentencePieceTokenizer)(nil)

type sentencePieceConfig struct {
	lowerCase bool
	special   SpecialTokens
	logger    zerolog.Logger
}

type SentencePieceOption func(c *sentencePieceConfig) error

// WithSentencePieceLowerCase lower-cases input text, except special tokens,
// before encoding.
func WithSentencePieceLowerCase(enabled bool) SentencePieceOption {
	return func(c *sentencePieceConfig) error {
		c.lowerCase = enabled
		return nil
	}
}

func WithSentencePieceSpecialTokens(st SpecialTokens) SentencePieceOption {
	return func(c *sentencePieceConfig) error {
		c.special = st
		return nil
	}
}

func WithSentencePieceLogger(logger zerolog.Logger) SentencePieceOption {
	return func(c *sentencePieceConfig) error {
		c.logger = logger
		return nil
	}
}

// NewSentencePieceTokenizer creates a tokenizer from a serialized SentencePiece model.
func NewSentencePieceTokenizer(model []byte, opts ...SentencePieceOption) (*SentencePieceTokenizer, error) {
	if len(model) == 0 {
		return nil, errors.New("sentencepiece model cannot be empty")
	}
	m, err := parseSentencePieceModel(model)
	if err != nil {
		return nil, err
	}
	var enc pieceEncoder
	switch {
	case m.Type == spModelUnigram:
		if enc, err = newUnigramEncoder(m); err != nil {
			return nil, err
		}
	case m.bpeCompatible():
		proc, err := sentencepiece.NewProcessor(bytes.NewReader(model))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create sentencepiece processor")
		}
		enc = bpeEncoder{proc: proc}
	case m.Type == spModelBPE:
		return nil, errors.New("sentencepiece BPE models need add_dummy_prefix and remove_extra_whitespaces disabled")
	default:
		return nil, errors.Errorf("sentencepiece model type %s not supported", m.Type)
	}
	return newSentencePieceTokenizer(enc, m, opts...)
}

func newSentencePieceTokenizer(enc pieceEncoder, m *spModel, opts ...SentencePieceOption) (*SentencePieceTokenizer, error) {
	cfg := &sentencePieceConfig{
		special: SpecialTokens{CLS: DefaultCLSToken, Pad: DefaultPadToken},
		logger:  nopLogger,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, errors.Wrap(err, "failed to apply tokenizer option")
		}
	}
	t := &SentencePieceTokenizer{
		enc:       enc,
		lowerCase: cfg.lowerCase,
		keep:      cfg.special.All(),
	}
	var err error
	if t.clsID, err = pieceID(m, cfg.special.CLS); err != nil {
		return nil, errors.Wrap(err, "failed to resolve classifier token")
	}
	if t.padID, err = pieceID(m, cfg.special.Pad); err != nil {
		if m.PadID < 0 {
			return nil, errors.Wrap(err, "failed to resolve pad token")
		}
		t.padID = int64(m.PadID)
	}
	cfg.logger.Debug().
		Stringer("model_type", m.Type).
		Int("pieces", len(m.Pieces)).
		Int64("cls_id", t.clsID).
		Int64("pad_id", t.padID).
		Bool("lower_case", t.lowerCase).
		Msg("sentencepiece tokenizer ready")
	return t, nil
}

func pieceID(m *spModel, token string) (int64, error) {
	if token == "" {
		return 0, errors.Wrap(ErrSpecialTokenNotFound, "empty token")
	}
	if id, ok := m.pieceID(token); ok {
		return int64(id), nil
	}
	return 0, errors.Wrapf(ErrSpecialTokenNotFound, "%q", token)
}

// unigramEncoder runs a unigram model through sugarme/tokenizer. NFKC and
// whitespace squeezing happen here because sentencepiece applies them before
// the dummy prefix.
type unigramEncoder struct {
	tok     *tk.Tokenizer
	nfkc    bool
	squeeze bool
}

func newUnigramEncoder(m *spModel) (*unigramEncoder, error) {
	vocab := make([]unigram.TokenScore, len(m.Pieces))
	for i, p := range m.Pieces {
		vocab[i] = unigram.TokenScore{Token: p.Piece, Score: float64(p.Score)}
	}
	// Byte fallback in sugarme replaces every piece with byte tokens, so
	// unknown characters map to the unk id instead.
	model, err := unigram.NewUnigramBuilder().Vocab(vocab).UnkID(m.UnkID).Build()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build unigram model")
	}
	tok := tk.NewTokenizer(model)
	ns := m.Normalizer
	if ns.EscapeWhitespaces {
		scheme := pretokenizer.Never
		if ns.AddDummyPrefix {
			scheme = pretokenizer.First
		}
		tok.WithPreTokenizer(pretokenizer.NewMetaspaceWithScheme(spaceSymbol, scheme))
	} else {
		tok.WithPreTokenizer(pretokenizer.NewWhitespaceSplit())
	}
	return &unigramEncoder{tok: tok, nfkc: ns.nfkc(), squeeze: ns.RemoveExtraWhitespaces}, nil
}

func (e *unigramEncoder) EncodeIDs(text string) ([]int64, error) {
	if e.nfkc {
		text = norm.NFKC.String(text)
	}
	if e.squeeze {
		text = strings.Join(strings.Fields(text), " ")
	}
	if text == "" {
		return nil, nil
	}
	enc, err := e.tok.EncodeSingle(text, false)
	if err != nil {
		return nil, err
	}
	return intsToInt64(enc.Ids), nil
}

type bpeEncoder struct {
	proc *sentencepiece.Processor
}

func (e bpeEncoder) EncodeIDs(text string) ([]int64, error) {
	if text == "" {
		return nil, nil
	}
	pieces := e.proc.Encode(text)
	ids := make([]int64, len(pieces))
	for i, p := range pieces {
		ids[i] = int64(p.ID)
	}
	return ids, nil
}

func (t *SentencePieceTokenizer) CLSTokenID() int64 { return t.clsID }

func (t *SentencePieceTokenizer) PadTokenID() int64 { return t.padID }

// EncodeBatch encodes texts. SentencePiece models of this family define no
// special tokens of their own, so AddSpecialTokens has no effect.
func (t *SentencePieceTokenizer) EncodeBatch(texts []string, opts EncodeOptions) (*BatchEncoding, error) {
	if err := validateEncodeOptions(opts); err != nil {
		return nil, err
	}
	raw := make([][]int64, len(texts))
	for i, text := range texts {
		if t.lowerCase {
			text = foldCase(text, t.keep)
		}
		ids, err := t.enc.EncodeIDs(text)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode text %d", i)
		}
		raw[i] = ids
	}
	return applyLengthPolicy(raw, t.padID, opts)
}

func (t *SentencePieceTokenizer) Close() error {
	return nil
}

// foldCase lower-cases text except for occurrences of the keep tokens.
func foldCase(text string, keep []string) string {
	var b strings.Builder
	b.Grow(len(text))
	for len(text) > 0 {
		idx, tok := firstToken(text, keep)
		if idx < 0 {
			b.WriteString(strings.ToLower(text))
			break
		}
		b.WriteString(strings.ToLower(text[:idx]))
		b.WriteString(tok)
		text = text[idx+len(tok):]
	}
	return b.String()
}

// firstToken returns the earliest occurrence of any token in s, preferring the
// longest on ties.
func firstToken(s string, tokens []string) (int, string) {
	best, bestTok := -1, ""
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		i := strings.Index(s, tok)
		if i < 0 {
			continue
		}
		if best < 0 || i < best || (i == best && len(tok) > len(bestTok)) {
			best, bestTok = i, tok
		}
	}
	return best, bestTok
}
