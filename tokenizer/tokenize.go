// tokenize.go - Eingabe-Matrix fuer den Text-Encoder
//
// Enthält:
// - Tokenize: <|startoftext|> Text <|endoftext|>, mit Nullen aufgefuellt
// - ErrTooLong: Text passt nicht in die Kontextlaenge

package tokenizer

import (
	"errors"
	"fmt"
)

var ErrTooLong = errors.New("tokenizer: input is too long for context length")

// Tokenize kodiert jeden Text zu genau contextLength IDs und gibt die
// Zeilen hintereinander zurueck (Shape (len(texts), contextLength)). Mit
// truncate wird abgeschnitten und das letzte Token durch <|endoftext|>
// ersetzt, sonst ist ein zu langer Text ein Fehler.
func (t *Tokenizer) Tokenize(texts []string, contextLength int, truncate bool) ([]int32, error) {
	out := make([]int32, len(texts)*contextLength)
	for i, text := range texts {
		ids := append([]int32{t.sot}, t.Encode(text)...)
		ids = append(ids, t.eot)

		if len(ids) > contextLength {
			if !truncate {
				return nil, fmt.Errorf("%w %d: %q", ErrTooLong, contextLength, text)
			}
			ids = ids[:contextLength]
			ids[contextLength-1] = t.eot
		}

		copy(out[i*contextLength:], ids)
	}
	return out, nil
}

// Len gibt die Anzahl der BPE-Tokens eines Textes zurueck
func (t *Tokenizer) Len(text string) int {
	return len(t.Encode(text))
}
