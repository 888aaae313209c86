// MODUL: tokenizer_test
// ZWECK: Tests fuer den CLIP BPE-Tokenizer
// INPUT: Kleine synthetische Merge-Listen
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, go-cmp, compress/gzip
// HINWEISE: IDs ergeben sich aus 512 Byte-Tokens + Merge-Rang

package tokenizer

import (
	"bytes"
	"compress/gzip"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testMerges = []string{"d o", "do g</w>", "o f</w>", "p h", "ph o", "pho t", "phot o</w>"}

func TestVocabulary(t *testing.T) {
	tok := New(testMerges)

	if got, want := tok.VocabSize(), 512+len(testMerges)+2; got != want {
		t.Errorf("VocabSize() = %d, erwartet %d", got, want)
	}
	if tok.SOT() != 519 || tok.EOT() != 520 {
		t.Errorf("SOT/EOT = %d/%d, erwartet 519/520", tok.SOT(), tok.EOT())
	}

	// '!' ist das erste Byte-Token, 'a' liegt 64 Positionen dahinter
	if id := tok.reverse["!"]; id != 0 {
		t.Errorf("ID von '!' = %d, erwartet 0", id)
	}
	if id := tok.reverse["a</w>"]; id != 256+64 {
		t.Errorf("ID von 'a</w>' = %d, erwartet %d", id, 256+64)
	}
}

func TestEncode(t *testing.T) {
	tok := New(testMerges)

	cases := []struct {
		input string
		want  []int32
	}{
		{"dog", []int32{513}},
		{"a photo of a dog.", []int32{320, 518, 514, 320, 513, 269}},
		{"  A   PHOTO  ", []int32{320, 518}},
		{"", nil},
	}

	for _, tt := range cases {
		t.Run(tt.input, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tok.Encode(tt.input)); diff != "" {
				t.Errorf("Encode(%q) mismatch (-want +got):\n%s", tt.input, diff)
			}
		})
	}
}

func TestEncodeHTMLAndBytes(t *testing.T) {
	tok := New(nil)

	ids := tok.Encode("A&amp;b")
	if got := tok.Decode(ids); got != "a & b" {
		t.Errorf("Decode(Encode()) = %q, erwartet %q", got, "a & b")
	}

	// Nicht-ASCII wird byteweise kodiert und wieder zusammengesetzt
	ids = tok.Encode("größe")
	if got := tok.Decode(ids); got != "größe" {
		t.Errorf("Decode(Encode()) = %q, erwartet %q", got, "größe")
	}
}

func TestSpecialTokensInText(t *testing.T) {
	tok := New(testMerges)
	ids := tok.Encode("<|startoftext|>dog<|endoftext|>")
	if diff := cmp.Diff([]int32{519, 513, 520}, ids); diff != "" {
		t.Errorf("Encode mismatch (-want +got):\n%s", diff)
	}
}

func TestTokenize(t *testing.T) {
	tok := New(testMerges)

	ids, err := tok.Tokenize([]string{"a dog.", "photo"}, 6, false)
	if err != nil {
		t.Fatalf("Tokenize() Fehler: %v", err)
	}

	want := []int32{
		519, 320, 513, 269, 520, 0,
		519, 518, 520, 0, 0, 0,
	}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("Tokenize mismatch (-want +got):\n%s", diff)
	}

	if _, err := tok.Tokenize([]string{"a photo of a dog."}, 4, false); !errors.Is(err, ErrTooLong) {
		t.Errorf("Tokenize(zu lang) = %v, erwartet ErrTooLong", err)
	}

	ids, err = tok.Tokenize([]string{"a photo of a dog."}, 4, true)
	if err != nil {
		t.Fatalf("Tokenize(truncate) Fehler: %v", err)
	}
	if diff := cmp.Diff([]int32{519, 320, 518, 520}, ids); diff != "" {
		t.Errorf("Tokenize(truncate) mismatch (-want +got):\n%s", diff)
	}
}

func TestLen(t *testing.T) {
	tok := New(testMerges)
	if got := tok.Len("photo dog"); got != 2 {
		t.Errorf("Len() = %d, erwartet 2", got)
	}
}

func TestParseMerges(t *testing.T) {
	text := "#version: 0.2\n" + strings.Join(testMerges, "\n") + "\n"

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(text)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	for name, data := range map[string][]byte{"plain": []byte(text), "gzip": buf.Bytes()} {
		t.Run(name, func(t *testing.T) {
			merges, err := ParseMerges(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("ParseMerges() Fehler: %v", err)
			}
			if diff := cmp.Diff(testMerges, merges); diff != "" {
				t.Errorf("Merges mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := ParseMerges(strings.NewReader("#version\na b c\n")); err == nil {
		t.Error("ParseMerges() sollte bei fehlerhafter Zeile fehlschlagen")
	}
}
