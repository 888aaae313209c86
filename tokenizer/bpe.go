// bpe.go - BPE Merge-Algorithmus
//
// Enthält:
// - encodeWord: zerlegt ein byte-kodiertes Wort und wendet die Merges an

package tokenizer

// encodeWord haengt die Tokens eines Wortes an ids an. Das letzte Zeichen
// traegt die Wortende-Markierung "</w>".
func (t *Tokenizer) encodeWord(word string, ids []int32) []int32 {
	if word == "" {
		return ids
	}

	// Schneller Pfad: das ganze Wort ist ein Token
	if id, ok := t.reverse[word+endOfWord]; ok {
		return append(ids, id)
	}

	runes := []rune(word)
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}
	parts[len(parts)-1] += endOfWord

	// Wiederholt das Paar mit dem niedrigsten Rang zusammenfuehren
	for len(parts) > 1 {
		minRank := int(0x7FFFFFFF)
		minIdx := -1

		for i := 0; i < len(parts)-1; i++ {
			if rank, ok := t.merges[parts[i]+" "+parts[i+1]]; ok && rank < minRank {
				minRank = rank
				minIdx = i
			}
		}

		if minIdx < 0 {
			break
		}

		parts[minIdx] = parts[minIdx] + parts[minIdx+1]
		parts = append(parts[:minIdx+1], parts[minIdx+2:]...)
	}

	for _, part := range parts {
		ids = append(ids, t.reverse[part])
	}
	return ids
}
