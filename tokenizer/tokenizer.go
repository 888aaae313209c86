// tokenizer.go - CLIP Byte-Level BPE Tokenizer
//
// Enthält:
// - Tokenizer: Vokabular aus Bytes, Bytes+"</w>", Merges und Special Tokens
// - New: Baut den Tokenizer aus einer Merge-Liste
// - Encode / Decode: Text <-> Token-IDs ohne Start/Ende-Token
//
// Siehe auch: bpe.go fuer den Merge-Algorithmus, tokenize.go fuer die
// Eingabe-Matrix des Text-Encoders

package tokenizer

import (
	"html"
	"regexp"
	"strings"
)

const (
	StartOfText = "<|startoftext|>"
	EndOfText   = "<|endoftext|>"

	endOfWord = "</w>"
)

// pretokenizer entspricht dem Muster des CLIP SimpleTokenizer
var pretokenizer = regexp.MustCompile(`(?i)<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]|[^\s\p{L}\p{N}]+`)

var whitespace = regexp.MustCompile(`\s+`)

// Tokenizer ist nach der Konstruktion unveraenderlich und kann parallel
// genutzt werden
type Tokenizer struct {
	values  []string
	reverse map[string]int32
	merges  map[string]int

	sot, eot int32
}

// New baut einen Tokenizer aus Merges der Form "a b"
func New(merges []string) *Tokenizer {
	values := make([]string, 0, 2*256+len(merges)+2)
	for _, r := range byteOrder {
		values = append(values, string(r))
	}
	for _, r := range byteOrder {
		values = append(values, string(r)+endOfWord)
	}

	t := &Tokenizer{merges: make(map[string]int, len(merges))}
	for i, m := range merges {
		t.merges[m] = i
		values = append(values, strings.ReplaceAll(m, " ", ""))
	}

	t.sot = int32(len(values))
	t.eot = t.sot + 1
	values = append(values, StartOfText, EndOfText)

	t.values = values
	t.reverse = make(map[string]int32, len(values))
	for i, v := range values {
		t.reverse[v] = int32(i)
	}

	return t
}

func (t *Tokenizer) VocabSize() int {
	return len(t.values)
}

// SOT ist die ID von <|startoftext|>
func (t *Tokenizer) SOT() int32 {
	return t.sot
}

// EOT ist die ID von <|endoftext|>, der groessten ID im Vokabular
func (t *Tokenizer) EOT() int32 {
	return t.eot
}

// clean normalisiert Text wie der CLIP-Tokenizer: HTML-Entities aufloesen,
// Whitespace zusammenfassen, Kleinschreibung
func clean(s string) string {
	s = html.UnescapeString(html.UnescapeString(s))
	s = whitespace.ReplaceAllString(strings.TrimSpace(s), " ")
	return strings.ToLower(strings.TrimSpace(s))
}

// Encode zerlegt Text in Token-IDs, ohne Start- und Ende-Token
func (t *Tokenizer) Encode(s string) []int32 {
	var ids []int32
	for _, word := range pretokenizer.FindAllString(clean(s), -1) {
		if word == StartOfText || word == EndOfText {
			ids = append(ids, t.reverse[word])
			continue
		}

		var sb strings.Builder
		for i := 0; i < len(word); i++ {
			sb.WriteRune(byteRunes[word[i]])
		}
		ids = t.encodeWord(sb.String(), ids)
	}
	return ids
}

// Decode setzt Token-IDs wieder zu Text zusammen. Wortenden werden zu
// Leerzeichen.
func (t *Tokenizer) Decode(ids []int32) string {
	var b []byte
	for _, id := range ids {
		if id < 0 || int(id) >= len(t.values) {
			continue
		}
		for _, r := range t.values[id] {
			if c, ok := runeBytes[r]; ok {
				b = append(b, c)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return strings.TrimSpace(strings.ReplaceAll(string(b), endOfWord, " "))
}

// byteRunes bildet jedes Byte auf ein druckbares Zeichen ab (GPT-2/CLIP
// bytes_to_unicode), runeBytes ist die Umkehrung und byteOrder die
// Reihenfolge der Byte-Tokens im Vokabular
var byteRunes, runeBytes, byteOrder = bytesToUnicode()

func bytesToUnicode() (toRune [256]rune, fromRune map[rune]byte, order [256]rune) {
	printable := make([]byte, 0, 256)
	for _, r := range [][2]int{{'!', '~'}, {0xa1, 0xac}, {0xae, 0xff}} {
		for c := r[0]; c <= r[1]; c++ {
			printable = append(printable, byte(c))
			toRune[c] = rune(c)
		}
	}

	n := 0
	for c := range 256 {
		if toRune[c] == 0 {
			toRune[c] = rune(256 + n)
			n++
		}
	}

	// erst die druckbaren Bytes, dann alle uebrigen in Byte-Reihenfolge
	i := 0
	for _, c := range printable {
		order[i] = toRune[c]
		i++
	}
	for c := range 256 {
		if toRune[c] >= 256 {
			order[i] = toRune[c]
			i++
		}
	}

	fromRune = make(map[rune]byte, 256)
	for c, r := range toRune {
		fromRune[r] = byte(c)
	}
	return toRune, fromRune, order
}
