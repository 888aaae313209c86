// loader.go - Laden der BPE-Merges
//
// Enthält:
// - Load: Liest bpe_simple_vocab_16e6.txt(.gz) von der Platte
// - ParseMerges: Extrahiert die Merge-Liste aus der Datei
//
// Die erste Zeile der Datei ist ein Versions-Kommentar. Verwendet werden
// die folgenden 49152-256-2 Zeilen, wie im CLIP-Tokenizer.

package tokenizer

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
)

// NumMerges ist die Anzahl der Merges eines vollstaendigen CLIP-Vokabulars
const NumMerges = 49152 - 256 - 2

// Load liest eine (optional gzip-komprimierte) Merge-Datei
func Load(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer: %w", err)
	}
	defer f.Close()

	merges, err := ParseMerges(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return New(merges), nil
}

// ParseMerges liest Merges aus r. gzip wird an den Magic Bytes erkannt.
func ParseMerges(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		br = bufio.NewReader(zr)
	}

	var merges []string
	sc := bufio.NewScanner(br)
	for line := 0; sc.Scan() && len(merges) < NumMerges; line++ {
		if line == 0 {
			continue
		}

		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: malformed merge %q", line+1, sc.Text())
		}
		merges = append(merges, fields[0]+" "+fields[1])
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	return merges, nil
}
