package jaclip

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Files that make up a tokenizer artifact. Each is optional, but an artifact
// needs tokenizer.json or spiece.model to be usable.
const (
	FileTokenizerJSON    = "tokenizer.json"
	FileSentencePiece    = "spiece.model"
	FileSpecialTokensMap = "special_tokens_map.json"
	FileTokenizerConfig  = "tokenizer_config.json"
)

// ArtifactFiles lists the files fetched for an artifact, in lookup order.
var ArtifactFiles = []string{
	FileTokenizerJSON,
	FileSentencePiece,
	FileSpecialTokensMap,
	FileTokenizerConfig,
}

// Artifact is the set of tokenizer files of a pretrained model.
type Artifact struct {
	ModelID  string
	Revision string
	Files    map[string][]byte
}

// Has reports whether the artifact carries the named file.
func (a *Artifact) Has(name string) bool {
	_, ok := a.Files[name]
	return ok
}

// File returns the named file content or nil.
func (a *Artifact) File(name string) []byte {
	return a.Files[name]
}

// Usable reports whether the artifact has a file a backend can load.
func (a *Artifact) Usable() bool {
	return a.Has(FileTokenizerJSON) || a.Has(FileSentencePiece)
}

// SpecialTokens names the special tokens a formatter needs.
type SpecialTokens struct {
	CLS string
	Pad string
	// Others holds the remaining special tokens of the artifact. They are kept
	// intact when the input is case folded.
	Others []string
}

// All returns every non-empty special token.
func (st SpecialTokens) All() []string {
	out := make([]string, 0, len(st.Others)+2)
	for _, tok := range append([]string{st.CLS, st.Pad}, st.Others...) {
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

var otherSpecialTokenKeys = []string{"unk_token", "sep_token", "mask_token", "bos_token", "eos_token"}

// SpecialTokens reads token names from special_tokens_map.json, then
// tokenizer_config.json, and falls back to [CLS] and [PAD].
func (a *Artifact) SpecialTokens() (SpecialTokens, error) {
	st := SpecialTokens{}
	for _, name := range []string{FileSpecialTokensMap, FileTokenizerConfig} {
		data := a.File(name)
		if data == nil {
			continue
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return SpecialTokens{}, errors.Wrapf(err, "invalid %s", name)
		}
		if st.CLS == "" {
			st.CLS = tokenContent(m["cls_token"])
		}
		if st.Pad == "" {
			st.Pad = tokenContent(m["pad_token"])
		}
		if st.Others == nil {
			st.Others = otherSpecialTokens(m)
		}
	}
	if st.CLS == "" {
		st.CLS = DefaultCLSToken
	}
	if st.Pad == "" {
		st.Pad = DefaultPadToken
	}
	return st, nil
}

func otherSpecialTokens(m map[string]json.RawMessage) []string {
	var out []string
	for _, key := range otherSpecialTokenKeys {
		if tok := tokenContent(m[key]); tok != "" {
			out = append(out, tok)
		}
	}
	var extra []json.RawMessage
	if err := json.Unmarshal(m["additional_special_tokens"], &extra); err == nil {
		for _, raw := range extra {
			if tok := tokenContent(raw); tok != "" {
				out = append(out, tok)
			}
		}
	}
	return out
}

// tokenContent accepts both "[CLS]" and {"content": "[CLS]", ...}.
func tokenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Content
	}
	return ""
}

// LoadArtifactDir reads the artifact files present in dir.
func LoadArtifactDir(dir string) (*Artifact, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to access artifact directory: %s", dir)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("artifact path is not a directory: %s", dir)
	}
	art := &Artifact{ModelID: dir, Files: map[string][]byte{}}
	for _, name := range ArtifactFiles {
		path := filepath.Join(dir, name)
		if !fileExists(path) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", path)
		}
		art.Files[name] = data
	}
	return art, nil
}

func isLocalDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// fileExists checks if a regular file exists
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
