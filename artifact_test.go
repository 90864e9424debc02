package jaclip

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactSpecialTokens(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		art := &Artifact{Files: map[string][]byte{FileSentencePiece: []byte("model")}}
		st, err := art.SpecialTokens()
		require.NoError(t, err)
		assert.Equal(t, DefaultCLSToken, st.CLS)
		assert.Equal(t, DefaultPadToken, st.Pad)
		assert.Empty(t, st.Others)
	})

	t.Run("special tokens map wins over tokenizer config", func(t *testing.T) {
		art := &Artifact{Files: map[string][]byte{
			FileSpecialTokensMap: []byte(`{"cls_token": {"content": "<cls>", "lstrip": false}, "unk_token": "<unk>", "additional_special_tokens": ["<extra>"]}`),
			FileTokenizerConfig:  []byte(`{"cls_token": "[CLS]", "pad_token": "<pad>", "do_lower_case": true, "mask_token": "[MASK]"}`),
		}}
		st, err := art.SpecialTokens()
		require.NoError(t, err)
		assert.Equal(t, "<cls>", st.CLS)
		assert.Equal(t, "<pad>", st.Pad)
		assert.Equal(t, []string{"<unk>", "<extra>"}, st.Others)
		assert.Equal(t, []string{"<cls>", "<pad>", "<unk>", "<extra>"}, st.All())
	})

	t.Run("invalid json", func(t *testing.T) {
		art := &Artifact{Files: map[string][]byte{FileSpecialTokensMap: []byte(`[`)}}
		_, err := art.SpecialTokens()
		require.Error(t, err)
	})
}

func TestArtifactUsable(t *testing.T) {
	assert.False(t, (&Artifact{Files: map[string][]byte{FileTokenizerConfig: []byte(`{}`)}}).Usable())
	assert.True(t, (&Artifact{Files: map[string][]byte{FileTokenizerJSON: []byte(`{}`)}}).Usable())
	assert.True(t, (&Artifact{Files: map[string][]byte{FileSentencePiece: []byte("x")}}).Usable())
}

func TestLoadArtifactDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileTokenizerJSON), []byte(mockTokenizerJSON), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileSpecialTokensMap), []byte(`{"cls_token": "[CLS]"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0644))

	art, err := LoadArtifactDir(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, art.ModelID)
	assert.True(t, art.Has(FileTokenizerJSON))
	assert.True(t, art.Has(FileSpecialTokensMap))
	assert.False(t, art.Has(FileSentencePiece))
	assert.Len(t, art.Files, 2)

	_, err = LoadArtifactDir(filepath.Join(dir, "missing"))
	require.Error(t, err)

	_, err = LoadArtifactDir(filepath.Join(dir, FileTokenizerJSON))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}
