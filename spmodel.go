package jaclip

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// spModelType mirrors TrainerSpec.ModelType of sentencepiece_model.proto.
type spModelType int32

const (
	spModelUnigram spModelType = 1
	spModelBPE     spModelType = 2
	spModelWord    spModelType = 3
	spModelChar    spModelType = 4
)

func (t spModelType) String() string {
	switch t {
	case spModelUnigram:
		return "UNIGRAM"
	case spModelBPE:
		return "BPE"
	case spModelWord:
		return "WORD"
	case spModelChar:
		return "CHAR"
	default:
		return fmt.Sprintf("ModelType(%d)", int32(t))
	}
}

// spPieceType mirrors ModelProto.SentencePiece.Type.
type spPieceType int32

const (
	spPieceNormal      spPieceType = 1
	spPieceUnknown     spPieceType = 2
	spPieceControl     spPieceType = 3
	spPieceUserDefined spPieceType = 4
	spPieceUnused      spPieceType = 5
	spPieceByte        spPieceType = 6
)

type spPiece struct {
	Piece string
	Score float32
	Type  spPieceType
}

type spNormalizerSpec struct {
	Name                   string
	PrecompiledCharsmap    []byte
	AddDummyPrefix         bool
	RemoveExtraWhitespaces bool
	EscapeWhitespaces      bool
	// explicitFlags is set when both AddDummyPrefix and
	// RemoveExtraWhitespaces are present in the file.
	explicitFlags bool
}

// nfkc reports whether the normalization rule is an NFKC variant. Models
// without a charsmap run the identity rule.
func (n spNormalizerSpec) nfkc() bool {
	if n.Name == "identity" {
		return false
	}
	return len(n.PrecompiledCharsmap) > 0 || strings.Contains(n.Name, "nfkc")
}

// spModel is the subset of a serialized SentencePiece ModelProto needed to
// encode text.
type spModel struct {
	Pieces       []spPiece
	Type         spModelType
	UnkID        int
	PadID        int
	ByteFallback bool
	Normalizer   spNormalizerSpec

	index map[string]int
}

// pieceID returns the id of piece.
func (m *spModel) pieceID(piece string) (int, bool) {
	id, ok := m.index[piece]
	return id, ok
}

// bpeCompatible reports whether go-sentencepiece accepts the model: it
// handles BPE only, and only with dummy prefix and whitespace squeezing
// explicitly off.
func (m *spModel) bpeCompatible() bool {
	n := m.Normalizer
	return m.Type == spModelBPE && n.explicitFlags && !n.AddDummyPrefix && !n.RemoveExtraWhitespaces
}

// parseSentencePieceModel decodes a spiece.model file. Unset fields take the
// defaults of sentencepiece_model.proto.
func parseSentencePieceModel(data []byte) (*spModel, error) {
	m := &spModel{
		Type:  spModelUnigram,
		UnkID: 0,
		PadID: -1,
		Normalizer: spNormalizerSpec{
			AddDummyPrefix:         true,
			RemoveExtraWhitespaces: true,
			EscapeWhitespaces:      true,
		},
	}
	err := decodeProtoFields(data, func(f protoField) error {
		switch f.num {
		case 1:
			p, err := parsePiece(f.bytes)
			if err != nil {
				return errors.Wrapf(err, "piece %d", len(m.Pieces))
			}
			m.Pieces = append(m.Pieces, p)
		case 2:
			return errors.Wrap(parseTrainerSpec(f.bytes, m), "trainer spec")
		case 3:
			return errors.Wrap(parseNormalizerSpec(f.bytes, &m.Normalizer), "normalizer spec")
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode sentencepiece model")
	}
	if len(m.Pieces) == 0 {
		return nil, errors.New("sentencepiece model has no pieces")
	}
	if m.UnkID < 0 || m.UnkID >= len(m.Pieces) {
		return nil, errors.Errorf("sentencepiece unk id %d out of range [0, %d)", m.UnkID, len(m.Pieces))
	}
	m.index = make(map[string]int, len(m.Pieces))
	for i, p := range m.Pieces {
		if _, dup := m.index[p.Piece]; !dup {
			m.index[p.Piece] = i
		}
	}
	return m, nil
}

func parsePiece(b []byte) (spPiece, error) {
	p := spPiece{Type: spPieceNormal}
	err := decodeProtoFields(b, func(f protoField) error {
		switch f.num {
		case 1:
			p.Piece = string(f.bytes)
		case 2:
			p.Score = math.Float32frombits(f.fixed32)
		case 3:
			p.Type = spPieceType(int32(f.varint))
		}
		return nil
	})
	if err != nil {
		return p, err
	}
	if p.Piece == "" {
		return p, errors.New("empty piece")
	}
	return p, nil
}

func parseTrainerSpec(b []byte, m *spModel) error {
	return decodeProtoFields(b, func(f protoField) error {
		switch f.num {
		case 3:
			m.Type = spModelType(int32(f.varint))
		case 35:
			m.ByteFallback = f.varint != 0
		case 40:
			m.UnkID = int(int32(f.varint))
		case 43:
			m.PadID = int(int32(f.varint))
		}
		return nil
	})
}

func parseNormalizerSpec(b []byte, n *spNormalizerSpec) error {
	var dummy, squeeze bool
	err := decodeProtoFields(b, func(f protoField) error {
		switch f.num {
		case 1:
			n.Name = string(f.bytes)
		case 2:
			n.PrecompiledCharsmap = f.bytes
		case 3:
			n.AddDummyPrefix, dummy = f.varint != 0, true
		case 4:
			n.RemoveExtraWhitespaces, squeeze = f.varint != 0, true
		case 5:
			n.EscapeWhitespaces = f.varint != 0
		}
		return nil
	})
	n.explicitFlags = dummy && squeeze
	return err
}

type protoField struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

// decodeProtoFields calls fn for every field of a serialized message. Groups
// and fixed64 values are skipped.
func decodeProtoFields(b []byte, fn func(f protoField) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "invalid tag")
		}
		b = b[n:]
		f := protoField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "invalid field %d", num)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
