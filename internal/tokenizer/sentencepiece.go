package tokenizer

import (
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
)

// spaceMarker is the SentencePiece word-boundary rune; spaces are rewritten
// to it before matching and restored on decode.
const spaceMarker = "▁"

// SentencePiece is a unigram-style tokenizer over a fixed piece vocabulary.
// Encoding is greedy longest-match with single-byte fallback pieces of the
// form "<0xNN>" when the vocabulary carries them, and the unknown piece
// otherwise.
type SentencePiece struct {
	pieces []string
	ids    map[string]int

	unkID int
	bosID int
	eosID int

	maxPiece int // longest piece in bytes, bounds the match window
}

type spModel struct {
	Pieces []string `json:"pieces"`
	UnkID  int      `json:"unk_id"`
	BosID  int      `json:"bos_id"`
	EosID  int      `json:"eos_id"`
}

// LoadSentencePiece reads a JSON vocabulary file. Piece ids are their
// positions in the pieces array.
func LoadSentencePiece(path string) (*SentencePiece, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: read vocabulary: %w", err)
	}
	var model spModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("tokenizer: parse vocabulary: %w", err)
	}
	return NewSentencePiece(model.Pieces, model.UnkID, model.BosID, model.EosID)
}

// NewSentencePiece builds a tokenizer from an in-memory piece list.
func NewSentencePiece(pieces []string, unkID, bosID, eosID int) (*SentencePiece, error) {
	if len(pieces) == 0 {
		return nil, fmt.Errorf("tokenizer: empty vocabulary")
	}
	t := &SentencePiece{
		pieces: pieces,
		ids:    make(map[string]int, len(pieces)),
		unkID:  unkID,
		bosID:  bosID,
		eosID:  eosID,
	}
	for i, p := range pieces {
		if p == "" {
			return nil, fmt.Errorf("tokenizer: empty piece at id %d", i)
		}
		if _, dup := t.ids[p]; dup {
			return nil, fmt.Errorf("tokenizer: duplicate piece %q", p)
		}
		t.ids[p] = i
		if len(p) > t.maxPiece {
			t.maxPiece = len(p)
		}
	}
	if unkID < 0 || unkID >= len(pieces) {
		return nil, fmt.Errorf("tokenizer: unk id %d out of range", unkID)
	}
	return t, nil
}

// VocabSize returns the number of pieces.
func (t *SentencePiece) VocabSize() int { return len(t.pieces) }

// BOS returns the begin-of-sequence token id, -1 when absent.
func (t *SentencePiece) BOS() int { return t.bosID }

// EOS returns the end-of-sequence token id, -1 when absent.
func (t *SentencePiece) EOS() int { return t.eosID }

// TokenID looks up the id of an exact piece.
func (t *SentencePiece) TokenID(piece string) (int, bool) {
	id, ok := t.ids[piece]
	return id, ok
}

// Encode tokenizes text without adding control tokens; the caller decides
// whether to prepend BOS.
func (t *SentencePiece) Encode(text string) ([]int, error) {
	if text == "" {
		return nil, nil
	}

	// SentencePiece normalisation: a leading word boundary, spaces rewritten
	// to the marker.
	norm := spaceMarker + strings.ReplaceAll(text, " ", spaceMarker)

	var out []int
	for i := 0; i < len(norm); {
		end := i + t.maxPiece
		if end > len(norm) {
			end = len(norm)
		}

		matched := false
		for j := end; j > i; j-- {
			if id, ok := t.ids[norm[i:j]]; ok {
				out = append(out, id)
				i = j
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		// Single-byte fallback keeps arbitrary input encodable.
		if id, ok := t.ids[fmt.Sprintf("<0x%02X>", norm[i])]; ok {
			out = append(out, id)
		} else {
			out = append(out, t.unkID)
		}
		i++
	}
	return out, nil
}

// Decode maps token ids back to text, restoring spaces and expanding byte
// fallback pieces.
func (t *SentencePiece) Decode(ids []int) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.pieces) {
			return "", fmt.Errorf("%w: %d", ErrBadTokenID, id)
		}
		piece := t.pieces[id]
		if b, ok := bytePiece(piece); ok {
			sb.WriteByte(b)
			continue
		}
		sb.WriteString(strings.ReplaceAll(piece, spaceMarker, " "))
	}
	return sb.String(), nil
}

// bytePiece recognises the "<0xNN>" fallback form.
func bytePiece(piece string) (byte, bool) {
	if len(piece) != 6 || !strings.HasPrefix(piece, "<0x") || piece[5] != '>' {
		return 0, false
	}
	var b byte
	for _, c := range piece[3:5] {
		var v byte
		switch {
		case c >= '0' && c <= '9':
			v = byte(c - '0')
		case c >= 'A' && c <= 'F':
			v = byte(c-'A') + 10
		case c >= 'a' && c <= 'f':
			v = byte(c-'a') + 10
		default:
			return 0, false
		}
		b = b<<4 | v
	}
	return b, true
}
