package data

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
)

var ErrInvalidSampler = errors.New("data: invalid sampler configuration")

// Sampler zerlegt eine Epoche in Batches von Indizes
type Sampler interface {
	Batches(rng *rand.Rand) [][]int
}

// RandomDomainSampler waehlt pro Schritt nDomain zufaellige Domains und
// aus jeder batchSize/nDomain zufaellige, noch nicht gezogene Bilder. Jeder
// Batch besteht aus zusammenhaengenden Bloecken gleicher Domain. Die
// Epoche endet, sobald eine gewaehlte Domain nicht mehr genug Bilder hat.
type RandomDomainSampler struct {
	byDomain  map[int][]int
	domains   []int
	nDomain   int
	perDomain int
	batchSize int
}

// NewRandomDomainSampler baut den Sampler. nDomain <= 0 verwendet alle
// Domains der Daten.
func NewRandomDomainSampler(items []Datum, batchSize, nDomain int) (*RandomDomainSampler, error) {
	s := &RandomDomainSampler{byDomain: make(map[int][]int), batchSize: batchSize}
	for i, it := range items {
		if _, ok := s.byDomain[it.Domain]; !ok {
			s.domains = append(s.domains, it.Domain)
		}
		s.byDomain[it.Domain] = append(s.byDomain[it.Domain], i)
	}

	if nDomain <= 0 {
		nDomain = len(s.domains)
	}
	switch {
	case len(s.domains) == 0:
		return nil, fmt.Errorf("%w: no items", ErrInvalidSampler)
	case nDomain > len(s.domains):
		return nil, fmt.Errorf("%w: %d domains requested, data has %d", ErrInvalidSampler, nDomain, len(s.domains))
	case batchSize <= 0 || batchSize%nDomain != 0:
		return nil, fmt.Errorf("%w: batch size %d is not a multiple of %d domains", ErrInvalidSampler, batchSize, nDomain)
	}

	s.nDomain = nDomain
	s.perDomain = batchSize / nDomain
	for _, d := range s.domains {
		if n := len(s.byDomain[d]); n < s.perDomain {
			return nil, fmt.Errorf("%w: domain %d has %d images, need %d per batch", ErrInvalidSampler, d, n, s.perDomain)
		}
	}
	return s, nil
}

// PerDomain ist die Groesse eines Domain-Blocks im Batch
func (s *RandomDomainSampler) PerDomain() int {
	return s.perDomain
}

func (s *RandomDomainSampler) Batches(rng *rand.Rand) [][]int {
	remaining := make(map[int][]int, len(s.byDomain))
	for d, idxs := range s.byDomain {
		remaining[d] = slices.Clone(idxs)
	}

	var batches [][]int
	for stop := false; !stop; {
		batch := make([]int, 0, s.batchSize)
		for _, di := range rng.Perm(len(s.domains))[:s.nDomain] {
			d := s.domains[di]
			idxs := remaining[d]

			// ohne Zuruecklegen ziehen: gewaehlte Indizes ans Ende tauschen
			for k := range s.perDomain {
				j := rng.IntN(len(idxs) - k)
				idxs[j], idxs[len(idxs)-1-k] = idxs[len(idxs)-1-k], idxs[j]
				batch = append(batch, idxs[len(idxs)-1-k])
			}
			remaining[d] = idxs[:len(idxs)-s.perDomain]

			if len(remaining[d]) < s.perDomain {
				stop = true
			}
		}
		batches = append(batches, batch)
	}
	return batches
}

// SequentialSampler liefert die Indizes in Reihenfolge, der letzte Batch
// darf kleiner sein
type SequentialSampler struct {
	n, batchSize int
}

func NewSequentialSampler(n, batchSize int) *SequentialSampler {
	return &SequentialSampler{n: n, batchSize: max(batchSize, 1)}
}

func (s *SequentialSampler) Batches(*rand.Rand) [][]int {
	var batches [][]int
	for low := 0; low < s.n; low += s.batchSize {
		batch := make([]int, 0, min(s.batchSize, s.n-low))
		for i := low; i < min(low+s.batchSize, s.n); i++ {
			batch = append(batch, i)
		}
		batches = append(batches, batch)
	}
	return batches
}
