package jaclip

import (
	"os"
	"unsafe"

	"github.com/Masterminds/semver/v3"
	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Return codes of the tokenizers shared library.
const (
	nativeSuccess                    = 0
	nativeErrInvalidUTF8             = -1
	nativeErrEncodingFailed          = -2
	nativeErrNullOutput              = -3
	nativeErrInvalidTokenizerRef     = -4
	nativeErrNullInput               = -5
	nativeErrTokenizerCreationFailed = -6
	nativeErrInvalidPath             = -7
	nativeErrFileNotFound            = -8
	nativeErrTruncationFailed        = -9
	nativeErrPaddingFailed           = -10
	nativeErrDecodeFailed            = -11
	nativeErrCStringConversionFailed = -12
	nativeErrInvalidIDs              = -13
	nativeErrInvalidOptions          = -14
)

// AbiCompatibilityConstraint is the shared library version range this binding speaks.
const AbiCompatibilityConstraint = "0.1.x"

// The structs below mirror the C ABI of the shared library; field order and
// types must not change.

type nativeTokenizerResult struct {
	Tokenizer unsafe.Pointer
	ErrorCode int32
}

type nativeEncodeOptions struct {
	AddSpecialTokens        bool
	ReturnTypeIDs           bool
	ReturnTokens            bool
	ReturnSpecialTokensMask bool
	ReturnAttentionMask     bool
	ReturnOffsets           bool
}

type nativeBuffer struct {
	IDs               *uint32
	TypeIDs           *uint32
	SpecialTokensMask *uint32
	AttentionMask     *uint32
	Tokens            **byte
	Offsets           *uintptr
	Len               uintptr
}

type nativeTruncationOptions struct {
	Enabled   bool
	MaxLen    uintptr
	Strategy  uint8
	Direction uint8
	Stride    uintptr
}

type nativePaddingStrategy struct {
	Tag       int
	FixedSize uintptr
}

type nativePaddingOptions struct {
	Enabled  bool
	Strategy nativePaddingStrategy
}

type nativeTokenizerOptions struct {
	AddSpecialTokens bool
	Trunc            nativeTruncationOptions
	Pad              nativePaddingOptions
}

// RustTokenizer runs HuggingFace tokenizers through the pure-tokenizers shared
// library loaded with purego. Truncation and padding are applied on the Go
// side per call, so the library is created with both disabled.
type RustTokenizer struct {
	libraryPath string
	lowerCase   bool
	special     *SpecialTokens
	logger      zerolog.Logger

	libh          uintptr
	handle        unsafe.Pointer
	fromBytes     func(config []byte, bytesLen uint32, opts *nativeTokenizerOptions, result *nativeTokenizerResult) int32
	encode        func(ptr unsafe.Pointer, message string, options *nativeEncodeOptions, buffer *nativeBuffer) int32
	freeTokenizer func(ptr unsafe.Pointer)
	freeBuffer    func(buffer *nativeBuffer)
	vocabSize     func(ptr unsafe.Pointer, size *uint32) int32
	getVersion    func() string

	clsID int64
	padID int64
}

var _ SubwordTokenizer = (*RustTokenizer)(nil)

type RustOption func(t *RustTokenizer) error

// WithLibraryPath sets the path to the shared library for the tokenizer. This must be the path to the .so/dylib/dll file that contains the tokenizer implementation.
func WithLibraryPath(path string) RustOption {
	return func(t *RustTokenizer) error {
		if path == "" {
			return errors.New("library path cannot be empty")
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return errors.Errorf("shared library does not exist at path: %s", path)
		}
		t.libraryPath = path
		return nil
	}
}

// WithRustLowerCase enables lower-casing in the tokenizer's normalizer.
func WithRustLowerCase(enabled bool) RustOption {
	return func(t *RustTokenizer) error {
		t.lowerCase = enabled
		return nil
	}
}

// WithRustSpecialTokens sets the classifier and pad token names.
func WithRustSpecialTokens(st SpecialTokens) RustOption {
	return func(t *RustTokenizer) error {
		t.special = &st
		return nil
	}
}

func WithRustLogger(logger zerolog.Logger) RustOption {
	return func(t *RustTokenizer) error {
		t.logger = logger
		return nil
	}
}

// NewRustTokenizer creates a tokenizer from the content of a tokenizer.json.
func NewRustTokenizer(config []byte, opts ...RustOption) (*RustTokenizer, error) {
	tokenizer := &RustTokenizer{logger: nopLogger}
	for _, opt := range opts {
		if err := opt(tokenizer); err != nil {
			return nil, errors.Wrap(err, "failed to apply tokenizer option")
		}
	}
	if len(config) == 0 {
		return nil, errors.New("tokenizer config cannot be empty")
	}
	constraint, err := semver.NewConstraint(AbiCompatibilityConstraint)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse ABI version constraint: %s", AbiCompatibilityConstraint)
	}

	if tokenizer.lowerCase {
		if config, err = withLowercaseNormalizer(config); err != nil {
			return nil, err
		}
	}
	special := SpecialTokens{CLS: DefaultCLSToken, Pad: DefaultPadToken}
	if tokenizer.special != nil {
		special = *tokenizer.special
	}
	tj, err := parseTokenizerJSON(config)
	if err != nil {
		return nil, err
	}
	if tokenizer.clsID, err = tj.tokenID(special.CLS); err != nil {
		return nil, errors.Wrap(err, "failed to resolve classifier token")
	}
	if tokenizer.padID, err = tj.padID(special.Pad); err != nil {
		return nil, errors.Wrap(err, "failed to resolve pad token")
	}

	libh, err := LoadTokenizerLibrary(tokenizer.libraryPath, tokenizer.logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load shared library")
	}
	tokenizer.libh = libh
	purego.RegisterLibFunc(&tokenizer.fromBytes, tokenizer.libh, "from_bytes")
	purego.RegisterLibFunc(&tokenizer.encode, tokenizer.libh, "encode")
	purego.RegisterLibFunc(&tokenizer.freeBuffer, tokenizer.libh, "free_buffer")
	purego.RegisterLibFunc(&tokenizer.freeTokenizer, tokenizer.libh, "free_tokenizer")
	purego.RegisterLibFunc(&tokenizer.vocabSize, tokenizer.libh, "vocab_size")
	purego.RegisterLibFunc(&tokenizer.getVersion, tokenizer.libh, "get_version")

	if err = tokenizer.abiCheck(constraint); err != nil {
		_ = closeLibrary(tokenizer.libh)
		return nil, errors.Wrap(err, "failed to check tokenizer abi")
	}

	var result nativeTokenizerResult
	errCode := tokenizer.fromBytes(config, uint32(len(config)), &nativeTokenizerOptions{}, &result)
	if errCode != nativeSuccess {
		_ = closeLibrary(tokenizer.libh)
		return nil, errors.Wrapf(nativeError(errCode), "failed to create tokenizer from bytes")
	}
	tokenizer.handle = result.Tokenizer
	tokenizer.logger.Debug().
		Int64("cls_id", tokenizer.clsID).
		Int64("pad_id", tokenizer.padID).
		Bool("lower_case", tokenizer.lowerCase).
		Msg("rust tokenizer ready")
	return tokenizer, nil
}

// abiCheck check the ABI version of the Rust lib to check for compatibility
func (t *RustTokenizer) abiCheck(constraint *semver.Constraints) error {
	if constraint == nil {
		return errors.New("ABI version constraint cannot be nil")
	}
	if t.getVersion == nil {
		return errors.New("getVersion function is not initialized, cannot check ABI version")
	}
	v := t.getVersion()
	ver, err := semver.NewVersion(v)
	if err != nil {
		return errors.Wrapf(err, "failed to parse version string: %s", v)
	}
	if !constraint.Check(ver) {
		return errors.Errorf("tokenizer lib version %s is not compatible with supported version constraint %s", v, constraint.String())
	}
	return nil
}

func (t *RustTokenizer) CLSTokenID() int64 { return t.clsID }

func (t *RustTokenizer) PadTokenID() int64 { return t.padID }

// EncodeBatch encodes texts one by one through the library and applies opts.
func (t *RustTokenizer) EncodeBatch(texts []string, opts EncodeOptions) (*BatchEncoding, error) {
	if err := validateEncodeOptions(opts); err != nil {
		return nil, err
	}
	raw := make([][]int64, len(texts))
	for i, text := range texts {
		ids, err := t.encodeIDs(text, opts.AddSpecialTokens)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode text %d", i)
		}
		raw[i] = ids
	}
	return applyLengthPolicy(raw, t.padID, opts)
}

func (t *RustTokenizer) encodeIDs(text string, addSpecialTokens bool) ([]int64, error) {
	if t.encode == nil || t.handle == nil {
		return nil, errors.New("encode function is not initialized or tokenizer is not loaded")
	}
	options := nativeEncodeOptions{AddSpecialTokens: addSpecialTokens}
	var buff nativeBuffer
	rc := t.encode(t.handle, text, &options, &buff)
	if rc < 0 {
		return nil, errors.Wrap(nativeError(rc), "failed to encode message")
	}
	defer t.freeBuffer(&buff)
	return uint32sToInt64(idsFromBuffer(buff)), nil
}

// VocabSize returns the vocabulary size reported by the library.
func (t *RustTokenizer) VocabSize() (uint32, error) {
	if t.vocabSize == nil || t.handle == nil {
		return 0, errors.New("vocabSize function is not initialized or tokenizer is not loaded")
	}
	var size uint32
	errCode := t.vocabSize(t.handle, &size)
	if errCode != nativeSuccess {
		return 0, errors.Wrapf(nativeError(errCode), "failed to get vocab size")
	}
	return size, nil
}

func (t *RustTokenizer) Close() error {
	if t.handle != nil {
		t.freeTokenizer(t.handle)
		t.handle = nil
	}
	if t.libh == 0 {
		return nil
	}
	err := closeLibrary(t.libh)
	t.libh = 0
	if err != nil {
		return errors.Errorf("failed to close shared library: %s", err.Error())
	}
	return nil
}

// idsFromBuffer views the id array of a library buffer. The result aliases
// library memory and must be copied before the buffer is freed.
func idsFromBuffer(buf nativeBuffer) []uint32 {
	if buf.IDs == nil || buf.Len == 0 {
		return nil
	}
	return unsafe.Slice(buf.IDs, buf.Len)
}

func nativeError(errCode int32) error {
	switch errCode {
	case nativeSuccess:
		return nil
	case nativeErrInvalidUTF8:
		return errors.New("invalid UTF-8 in input message")
	case nativeErrEncodingFailed:
		return errors.New("tokenization failed")
	case nativeErrNullOutput:
		return errors.New("internal error: null output buffer")
	case nativeErrInvalidTokenizerRef:
		return errors.New("invalid tokenizer reference")
	case nativeErrNullInput:
		return errors.New("null input provided")
	case nativeErrTokenizerCreationFailed:
		return errors.New("failed to create tokenizer instance")
	case nativeErrInvalidPath:
		return errors.New("invalid file path provided")
	case nativeErrFileNotFound:
		return errors.New("file not found at specified path")
	case nativeErrTruncationFailed:
		return errors.New("truncation failed")
	case nativeErrPaddingFailed:
		return errors.New("padding failed")
	case nativeErrDecodeFailed:
		return errors.New("decoding failed")
	case nativeErrCStringConversionFailed:
		return errors.New("C string conversion failed")
	case nativeErrInvalidIDs:
		return errors.New("invalid IDs provided for decoding")
	case nativeErrInvalidOptions:
		return errors.New("invalid options provided for encoding/decoding")
	default:
		return errors.Errorf("unknown error code: %d", errCode)
	}
}
