package jaclip

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Backend selects the library that performs subword segmentation.
type Backend string

const (
	// BackendAuto picks a backend from the artifact files, see LoadTokenizer.
	BackendAuto Backend = "auto"
	// BackendRust uses the HuggingFace tokenizers shared library.
	BackendRust Backend = "rust"
	// BackendGo uses sugarme/tokenizer.
	BackendGo Backend = "go"
	// BackendSentencePiece reads spiece.model: unigram models run on
	// sugarme/tokenizer, BPE models on eliben/go-sentencepiece.
	BackendSentencePiece Backend = "sentencepiece"
)

// ParseBackend parses a backend name. The empty string is BackendAuto.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BackendAuto, nil
	case BackendAuto, BackendRust, BackendGo, BackendSentencePiece:
		return b, nil
	default:
		return "", errors.Errorf("unknown backend: %s", s)
	}
}

type loaderConfig struct {
	lowerCase   bool
	backend     Backend
	libraryPath string
	clsToken    string
	padToken    string
	hubOpts     []HubOption
	logger      zerolog.Logger
}

type LoaderOption func(c *loaderConfig) error

// WithLowerCase controls case folding of the input text. It defaults to true,
// which the rinna tokenizers need but do not declare correctly in their
// tokenizer config.
func WithLowerCase(enabled bool) LoaderOption {
	return func(c *loaderConfig) error {
		c.lowerCase = enabled
		return nil
	}
}

func WithBackend(b Backend) LoaderOption {
	return func(c *loaderConfig) error {
		if _, err := ParseBackend(string(b)); err != nil {
			return err
		}
		c.backend = b
		return nil
	}
}

// WithTokenizerLibraryPath sets the shared library used by BackendRust.
func WithTokenizerLibraryPath(path string) LoaderOption {
	return func(c *loaderConfig) error {
		c.libraryPath = path
		return nil
	}
}

// WithCLSToken overrides the classifier token name of the artifact.
func WithCLSToken(token string) LoaderOption {
	return func(c *loaderConfig) error {
		if token == "" {
			return errors.New("classifier token cannot be empty")
		}
		c.clsToken = token
		return nil
	}
}

// WithPadToken overrides the pad token name of the artifact.
func WithPadToken(token string) LoaderOption {
	return func(c *loaderConfig) error {
		if token == "" {
			return errors.New("pad token cannot be empty")
		}
		c.padToken = token
		return nil
	}
}

// WithHubOptions configures the Hub fetcher.
func WithHubOptions(opts ...HubOption) LoaderOption {
	return func(c *loaderConfig) error {
		c.hubOpts = append(c.hubOpts, opts...)
		return nil
	}
}

func WithLogger(logger zerolog.Logger) LoaderOption {
	return func(c *loaderConfig) error {
		c.logger = logger
		return nil
	}
}

func newLoaderConfig(opts []LoaderOption) (*loaderConfig, error) {
	cfg := &loaderConfig{
		lowerCase: true,
		backend:   BackendAuto,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, errors.Wrap(err, "failed to apply loader option")
		}
	}
	return cfg, nil
}

// LoadTokenizer builds a new tokenizer for modelID, which is either a Hub
// model id or a local directory holding the artifact files. The empty id
// means DefaultModelID. Nothing is cached between calls besides the artifact
// files on disk.
//
// With BackendAuto, an artifact with tokenizer.json uses BackendRust when the
// shared library is already present and BackendGo otherwise; an artifact with
// only spiece.model uses BackendSentencePiece.
func LoadTokenizer(ctx context.Context, modelID string, opts ...LoaderOption) (SubwordTokenizer, error) {
	cfg, err := newLoaderConfig(opts)
	if err != nil {
		return nil, err
	}
	if modelID == "" {
		modelID = DefaultModelID
	}

	var art *Artifact
	if isLocalDir(modelID) {
		art, err = LoadArtifactDir(modelID)
	} else {
		hub := DefaultHubConfig()
		hub.Logger = cfg.logger
		for _, opt := range cfg.hubOpts {
			if err := opt(&hub); err != nil {
				return nil, errors.Wrap(err, "failed to apply hub option")
			}
		}
		art, err = FetchArtifact(ctx, modelID, hub)
	}
	if err != nil {
		return nil, err
	}
	return newFromArtifact(art, cfg)
}

// NewFromArtifact builds a tokenizer from already loaded artifact files.
func NewFromArtifact(art *Artifact, opts ...LoaderOption) (SubwordTokenizer, error) {
	cfg, err := newLoaderConfig(opts)
	if err != nil {
		return nil, err
	}
	return newFromArtifact(art, cfg)
}

func newFromArtifact(art *Artifact, cfg *loaderConfig) (SubwordTokenizer, error) {
	if art == nil || !art.Usable() {
		return nil, ErrNoTokenizerArtifact
	}
	special, err := art.SpecialTokens()
	if err != nil {
		return nil, err
	}
	if cfg.clsToken != "" {
		special.CLS = cfg.clsToken
	}
	if cfg.padToken != "" {
		special.Pad = cfg.padToken
	}

	backend := cfg.backend
	if backend == BackendAuto {
		backend = chooseBackend(art, cfg.libraryPath)
	}
	log := cfg.logger.With().Str("model", art.ModelID).Str("backend", string(backend)).Logger()
	log.Debug().Str("cls_token", special.CLS).Str("pad_token", special.Pad).Msg("building tokenizer")

	switch backend {
	case BackendRust:
		if !art.Has(FileTokenizerJSON) {
			return nil, errors.Wrapf(ErrNoTokenizerArtifact, "%s backend needs %s", backend, FileTokenizerJSON)
		}
		opts := []RustOption{
			WithRustLowerCase(cfg.lowerCase),
			WithRustSpecialTokens(special),
			WithRustLogger(log),
		}
		if cfg.libraryPath != "" {
			opts = append(opts, WithLibraryPath(cfg.libraryPath))
		}
		return NewRustTokenizer(art.File(FileTokenizerJSON), opts...)
	case BackendGo:
		if !art.Has(FileTokenizerJSON) {
			return nil, errors.Wrapf(ErrNoTokenizerArtifact, "%s backend needs %s", backend, FileTokenizerJSON)
		}
		return NewGoTokenizer(art.File(FileTokenizerJSON),
			WithGoLowerCase(cfg.lowerCase),
			WithGoSpecialTokens(special),
			WithGoLogger(log),
		)
	case BackendSentencePiece:
		if !art.Has(FileSentencePiece) {
			return nil, errors.Wrapf(ErrNoTokenizerArtifact, "%s backend needs %s", backend, FileSentencePiece)
		}
		return NewSentencePieceTokenizer(art.File(FileSentencePiece),
			WithSentencePieceLowerCase(cfg.lowerCase),
			WithSentencePieceSpecialTokens(special),
			WithSentencePieceLogger(log),
		)
	default:
		return nil, errors.Errorf("unknown backend: %s", backend)
	}
}

func chooseBackend(art *Artifact, libraryPath string) Backend {
	if art.Has(FileTokenizerJSON) {
		if _, ok := LocateTokenizerLibrary(libraryPath); ok {
			return BackendRust
		}
		return BackendGo
	}
	return BackendSentencePiece
}
