package encoop

import "github.com/7blacky7/encoop/ml"

// Placement bestimmt, wo die Klassen-Tokens relativ zum Kontext stehen.
// Middle und Front folgen dem CoOp-Layout, sind aber nicht gegen trainierte
// Referenz-Gewichte geprueft.
type Placement string

const (
	PlacementEnd    Placement = "end"
	PlacementMiddle Placement = "middle"
	PlacementFront  Placement = "front"
)

// PromptOptions konfiguriert den PromptLearner
type PromptOptions struct {
	// NumDomains ist die Anzahl der Quell-Domaenen, eine Kontext-Zeile je Domaene
	NumDomains int

	// NCtx ist die Anzahl der Kontext-Tokens. Mit CtxInit ergibt sie sich
	// aus der Anzahl der Woerter.
	NCtx    int
	CtxInit string

	// ClassSpecific lernt einen eigenen Kontext pro Klasse (CSC). Wird bei
	// gesetztem CtxInit ignoriert.
	ClassSpecific bool

	Position Placement

	// ImageSize ist die konfigurierte Eingabe-Aufloesung
	ImageSize int

	// Seed fuer die Zufalls-Initialisierung des Kontexts
	Seed uint64
}

// Options konfiguriert CustomCLIP
type Options struct {
	Prompt PromptOptions

	// SplitBatch ist die Chunk-Groesse des Trainings-Forward. <= 0 heisst
	// ein Chunk fuer den ganzen Batch.
	SplitBatch int
}

// Parameter ist ein benannter Tensor des Modells. Trainable ist das bei der
// Konstruktion gesetzte Merkmal, nur diese Tensoren erhalten Gradienten.
type Parameter struct {
	Name      string
	Tensor    ml.Tensor
	Trainable bool
}
