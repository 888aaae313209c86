// evaluator.go - Klassifikations-Auswertung
// Enthält: Evaluator, Result, ClassResult, Render()

package trainer

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gonum.org/v1/gonum/stat"
)

// Result ist das Ergebnis einer Auswertung. Alle Raten in Prozent.
type Result struct {
	Total    int
	Correct  int
	Accuracy float64
	Error    float64
	MacroF1  float64

	// PerClass ist nur bei TEST.PER_CLASS_RESULT gefuellt
	PerClass          []ClassResult
	MeanClassAccuracy float64
}

type ClassResult struct {
	Label    int
	Name     string
	Total    int
	Correct  int
	Accuracy float64
}

// Evaluator sammelt Vorhersagen ueber mehrere Batches
type Evaluator struct {
	classNames []string
	perClass   bool

	yTrue []int
	yPred []int
}

func NewEvaluator(classNames []string, perClass bool) *Evaluator {
	return &Evaluator{classNames: classNames, perClass: perClass}
}

// Reset verwirft alle gesammelten Vorhersagen
func (e *Evaluator) Reset() {
	e.yTrue = e.yTrue[:0]
	e.yPred = e.yPred[:0]
}

// Process nimmt die Logits (n, n_cls) eines Batches auf
func (e *Evaluator) Process(logits []float32, labels []int32) {
	for i, p := range argmax(logits, len(e.classNames)) {
		e.yTrue = append(e.yTrue, int(labels[i]))
		e.yPred = append(e.yPred, p)
	}
}

// Evaluate berechnet Accuracy, Error und Macro-F1 ueber die Labels, die
// in den wahren Werten vorkommen
func (e *Evaluator) Evaluate() Result {
	r := Result{Total: len(e.yTrue)}
	if r.Total == 0 {
		return r
	}

	type counts struct{ tp, fp, fn, total int }
	byLabel := make(map[int]*counts)
	for _, y := range e.yTrue {
		if byLabel[y] == nil {
			byLabel[y] = &counts{}
		}
	}

	for i, y := range e.yTrue {
		p := e.yPred[i]
		byLabel[y].total++
		if p == y {
			r.Correct++
			byLabel[y].tp++
			continue
		}
		byLabel[y].fn++
		if c, ok := byLabel[p]; ok {
			c.fp++
		}
	}

	r.Accuracy = 100 * float64(r.Correct) / float64(r.Total)
	r.Error = 100 - r.Accuracy

	labels := slices.Sorted(maps.Keys(byLabel))
	f1 := make([]float64, len(labels))
	for i, label := range labels {
		c := byLabel[label]
		f1[i] = f1Score(c.tp, c.fp, c.fn)

		if e.perClass {
			r.PerClass = append(r.PerClass, ClassResult{
				Label:    label,
				Name:     e.className(label),
				Total:    c.total,
				Correct:  c.tp,
				Accuracy: 100 * float64(c.tp) / float64(c.total),
			})
		}
	}
	r.MacroF1 = 100 * stat.Mean(f1, nil)

	if e.perClass {
		accs := make([]float64, len(r.PerClass))
		for i, c := range r.PerClass {
			accs[i] = c.Accuracy
		}
		r.MeanClassAccuracy = stat.Mean(accs, nil)
	}
	return r
}

func (e *Evaluator) className(label int) string {
	if label >= 0 && label < len(e.classNames) {
		return e.classNames[label]
	}
	return strconv.Itoa(label)
}

func f1Score(tp, fp, fn int) float64 {
	if tp == 0 {
		return 0
	}
	precision := float64(tp) / float64(tp+fp)
	recall := float64(tp) / float64(tp+fn)
	return 2 * precision * recall / (precision + recall)
}

// Render schreibt das Ergebnis als Tabelle nach w
func (r Result) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"TOTAL", "CORRECT", "ACCURACY", "ERROR", "MACRO F1"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.Append([]string{
		strconv.Itoa(r.Total),
		strconv.Itoa(r.Correct),
		percent(r.Accuracy),
		percent(r.Error),
		percent(r.MacroF1),
	})
	table.Render()

	if len(r.PerClass) == 0 {
		return
	}

	fmt.Fprintln(w)
	classes := tablewriter.NewWriter(w)
	classes.SetHeader([]string{"CLASS", "NAME", "TOTAL", "CORRECT", "ACCURACY"})
	classes.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	classes.SetAlignment(tablewriter.ALIGN_LEFT)
	classes.SetHeaderLine(false)
	classes.SetBorder(false)
	classes.SetNoWhiteSpace(true)
	classes.SetTablePadding("    ")
	for _, c := range r.PerClass {
		classes.Append([]string{
			strconv.Itoa(c.Label),
			c.Name,
			strconv.Itoa(c.Total),
			strconv.Itoa(c.Correct),
			percent(c.Accuracy),
		})
	}
	classes.Render()
	fmt.Fprintf(w, "average accuracy %s\n", percent(r.MeanClassAccuracy))
}

func percent(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64) + "%"
}
