// Package jaclip prepares Japanese text for CLIP-style multimodal embedding
// models.
//
// It loads a pretrained subword tokenizer (by default
// rinna/japanese-roberta-base) and formats one or more texts into fixed-length
// input_ids, attention_mask and position_ids tensors with a leading
// classifier token:
//
//	batch, err := jaclip.TokenizeText(ctx, "こんにちは")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(batch.InputIDs.Shape()) // [1 77]
//
// Subword segmentation itself is delegated to third-party tokenizers: the
// HuggingFace tokenizers shared library, sugarme/tokenizer, or
// eliben/go-sentencepiece, depending on the artifact files available.
package jaclip

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultModelID is the artifact used when no model id is given.
	DefaultModelID = "rinna/japanese-roberta-base"
	// DefaultMaxSeqLen is the sequence length of the text encoder, classifier
	// token included.
	DefaultMaxSeqLen = 77

	DefaultCLSToken = "[CLS]"
	DefaultPadToken = "[PAD]"
)

// Keys of Batch.Named.
const (
	KeyInputIDs      = "input_ids"
	KeyAttentionMask = "attention_mask"
	KeyPositionIDs   = "position_ids"
)

var (
	// ErrEmptyInput is returned when no text is given.
	ErrEmptyInput = errors.New("at least one text is required")
	// ErrInvalidMaxSeqLen is returned when max sequence length leaves no room for content after the classifier token.
	ErrInvalidMaxSeqLen = errors.New("max sequence length must be greater than 1")
	// ErrMalformedEncoding is returned when a tokenizer returns rows of unexpected length.
	ErrMalformedEncoding = errors.New("tokenizer returned malformed encoding")
	// ErrNoTokenizerArtifact is returned when an artifact has neither tokenizer.json nor spiece.model.
	ErrNoTokenizerArtifact = errors.New("artifact contains no usable tokenizer file")
	// ErrSpecialTokenNotFound is returned when a special token is missing from the vocabulary.
	ErrSpecialTokenNotFound = errors.New("special token not found in vocabulary")
)

var nopLogger = zerolog.Nop()
