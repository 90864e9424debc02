package jaclip

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackend(t *testing.T) {
	testCases := map[string]Backend{
		"":              BackendAuto,
		"auto":          BackendAuto,
		"Rust":          BackendRust,
		" go ":          BackendGo,
		"sentencepiece": BackendSentencePiece,
	}
	for in, want := range testCases {
		got, err := ParseBackend(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseBackend("python")
	require.Error(t, err)
}

func TestChooseBackend(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, getLibraryName())
	require.NoError(t, os.WriteFile(lib, []byte("x"), 0644))
	missing := filepath.Join(dir, "missing.so")

	withJSON := &Artifact{Files: map[string][]byte{FileTokenizerJSON: []byte(`{}`), FileSentencePiece: []byte("spm")}}
	spmOnly := &Artifact{Files: map[string][]byte{FileSentencePiece: []byte("spm")}}

	assert.Equal(t, BackendRust, chooseBackend(withJSON, lib))
	assert.Equal(t, BackendGo, chooseBackend(withJSON, missing))
	assert.Equal(t, BackendSentencePiece, chooseBackend(spmOnly, lib))
}

func TestNewFromArtifactErrors(t *testing.T) {
	_, err := NewFromArtifact(nil)
	require.ErrorIs(t, err, ErrNoTokenizerArtifact)

	_, err = NewFromArtifact(&Artifact{Files: map[string][]byte{FileTokenizerConfig: []byte(`{}`)}})
	require.ErrorIs(t, err, ErrNoTokenizerArtifact)

	spmOnly := &Artifact{Files: map[string][]byte{FileSentencePiece: []byte("spm")}}
	for _, b := range []Backend{BackendRust, BackendGo} {
		_, err = NewFromArtifact(spmOnly, WithBackend(b))
		require.ErrorIs(t, err, ErrNoTokenizerArtifact, "backend %s", b)
	}

	jsonOnly := &Artifact{Files: map[string][]byte{FileTokenizerJSON: []byte(mockTokenizerJSON)}}
	_, err = NewFromArtifact(jsonOnly, WithBackend(BackendSentencePiece))
	require.ErrorIs(t, err, ErrNoTokenizerArtifact)

	badTokens := &Artifact{Files: map[string][]byte{
		FileTokenizerJSON:    []byte(mockTokenizerJSON),
		FileSpecialTokensMap: []byte(`{"cls_token": `),
	}}
	_, err = NewFromArtifact(badTokens)
	require.Error(t, err)
}

func TestLoaderOptionValidation(t *testing.T) {
	art := &Artifact{Files: map[string][]byte{FileSentencePiece: []byte("spm")}}
	for name, opt := range map[string]LoaderOption{
		"backend":   WithBackend("python"),
		"cls token": WithCLSToken(""),
		"pad token": WithPadToken(""),
	} {
		_, err := NewFromArtifact(art, opt)
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), "failed to apply loader option", name)
	}
}

func TestLoadTokenizerLocalDirectory(t *testing.T) {
	_, err := LoadTokenizer(context.Background(), t.TempDir())
	require.ErrorIs(t, err, ErrNoTokenizerArtifact)
}

func TestLoadTokenizerOfflineMiss(t *testing.T) {
	t.Setenv("HF_HUB_CACHE", t.TempDir())
	_, err := LoadTokenizer(context.Background(), "acme/never-downloaded",
		WithHubOptions(
			WithHFOfflineMode(true),
			WithHFCacheDir(t.TempDir()),
		),
	)
	require.ErrorIs(t, err, ErrOfflineMiss)

	_, err = LoadTokenizer(context.Background(), "acme/never-downloaded", WithHubOptions(WithHFRevision("")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply hub option")
}

// TestLoadTokenizerModelDir runs the full pipeline against a downloaded copy of
// rinna/japanese-roberta-base, e.g. JACLIP_TEST_MODEL_DIR=~/models/japanese-roberta-base.
func TestLoadTokenizerModelDir(t *testing.T) {
	dir := os.Getenv("JACLIP_TEST_MODEL_DIR")
	if dir == "" {
		t.Skip("JACLIP_TEST_MODEL_DIR not set")
	}
	ctx := context.Background()
	tok, err := LoadTokenizer(ctx, dir)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, tok.Close())
	}()

	batch, err := TokenizeText(ctx, "こんにちは", WithTokenizer(tok))
	require.NoError(t, err)
	assert.Equal(t, []int{1, DefaultMaxSeqLen}, batch.InputIDs.Shape())
	assert.Equal(t, tok.CLSTokenID(), batch.InputIDs.At(0, 0))
	assert.Equal(t, tok.PadTokenID(), batch.InputIDs.At(0, DefaultMaxSeqLen-1))
	assert.Equal(t, int64(1), batch.AttentionMask.At(0, 1))
	assert.Equal(t, int64(0), batch.AttentionMask.At(0, DefaultMaxSeqLen-1))

	upper, err := TokenizeText(ctx, "ABC", WithTokenizer(tok))
	require.NoError(t, err)
	lower, err := TokenizeText(ctx, "abc", WithTokenizer(tok))
	require.NoError(t, err)
	assert.Equal(t, lower.InputIDs.ToRows(), upper.InputIDs.ToRows(), "input is lower-cased")
}
