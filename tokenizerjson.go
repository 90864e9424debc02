package jaclip

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// withLowercaseNormalizer rewrites a tokenizer.json so that its normalizer
// lower-cases input first. Added tokens marked "normalized": false keep their
// case, which matches the slow tokenizers' do_lower_case behaviour.
func withLowercaseNormalizer(config []byte) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(config, &doc); err != nil {
		return nil, errors.Wrap(err, "invalid tokenizer.json format")
	}
	lower := map[string]any{"type": "Lowercase"}

	raw, ok := doc["normalizer"]
	if !ok || string(raw) == "null" {
		return setNormalizer(doc, lower)
	}
	var current map[string]any
	if err := json.Unmarshal(raw, &current); err != nil {
		return nil, errors.Wrap(err, "invalid normalizer section")
	}
	switch current["type"] {
	case "Lowercase":
		return config, nil
	case "BertNormalizer":
		current["lowercase"] = true
		return setNormalizer(doc, current)
	case "Sequence":
		list, _ := current["normalizers"].([]any)
		if len(list) > 0 {
			if first, ok := list[0].(map[string]any); ok && first["type"] == "Lowercase" {
				return config, nil
			}
		}
		current["normalizers"] = append([]any{lower}, list...)
		return setNormalizer(doc, current)
	default:
		return setNormalizer(doc, map[string]any{
			"type":        "Sequence",
			"normalizers": []any{lower, current},
		})
	}
}

func setNormalizer(doc map[string]json.RawMessage, normalizer any) ([]byte, error) {
	raw, err := json.Marshal(normalizer)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode normalizer")
	}
	doc["normalizer"] = raw
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode tokenizer.json")
	}
	return out, nil
}

type tokenizerJSON struct {
	AddedTokens []struct {
		ID      int64  `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
	Padding *struct {
		PadID    int64  `json:"pad_id"`
		PadToken string `json:"pad_token"`
	} `json:"padding"`
	Model struct {
		Type  string          `json:"type"`
		Vocab json.RawMessage `json:"vocab"`
	} `json:"model"`
}

func parseTokenizerJSON(config []byte) (*tokenizerJSON, error) {
	var tj tokenizerJSON
	if err := json.Unmarshal(config, &tj); err != nil {
		return nil, errors.Wrap(err, "invalid tokenizer.json format")
	}
	return &tj, nil
}

// tokenID looks token up in added_tokens, then in the model vocabulary. Both
// the map form (BPE, WordPiece, WordLevel) and the unigram list form
// [[piece, score], ...] are understood.
func (tj *tokenizerJSON) tokenID(token string) (int64, error) {
	for _, at := range tj.AddedTokens {
		if at.Content == token {
			return at.ID, nil
		}
	}
	if len(tj.Model.Vocab) > 0 {
		var byPiece map[string]int64
		if err := json.Unmarshal(tj.Model.Vocab, &byPiece); err == nil {
			if id, ok := byPiece[token]; ok {
				return id, nil
			}
		} else {
			var pieces [][]json.RawMessage
			if err := json.Unmarshal(tj.Model.Vocab, &pieces); err == nil {
				for i, p := range pieces {
					if len(p) == 0 {
						continue
					}
					var piece string
					if json.Unmarshal(p[0], &piece) == nil && piece == token {
						return int64(i), nil
					}
				}
			}
		}
	}
	return 0, errors.Wrapf(ErrSpecialTokenNotFound, "%q", token)
}

// padID prefers the padding section of tokenizer.json when it names the same
// pad token.
func (tj *tokenizerJSON) padID(token string) (int64, error) {
	if tj.Padding != nil && (tj.Padding.PadToken == "" || tj.Padding.PadToken == token) {
		return tj.Padding.PadID, nil
	}
	return tj.tokenID(token)
}
