// Package data liest Multi-Domain Bilddatensaetze, zieht Few-Shot
// Teilmengen, bildet Batches (RandomDomainSampler, sequentiell) und laedt
// Batches parallel ueber die vision Pipeline.
//
// Verzeichnis-Layout:
//
//	<root>/<dataset>/<domain>/<class>/*.jpg
//	<root>/<dataset>/<domain>/{train,val|crossval,test}/<class>/*.jpg
package data

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"

	"github.com/7blacky7/encoop/vision"
)

var (
	ErrNoDomains     = errors.New("data: no domains given")
	ErrUnknownDomain = errors.New("data: domain not found")
	ErrEmptyDataset  = errors.New("data: dataset is empty")
)

// Datum ist ein einzelnes Bild mit Label und Domain-Index
type Datum struct {
	Path   string
	Label  int
	Domain int

	// ClassName ist der Ordnername der Klasse
	ClassName string
}

// Dataset ist ein Domain-Generalisierungs-Datensatz: Trainings- und
// Validierungsdaten aus den Quell-Domains, Testdaten aus den Ziel-Domains
type Dataset struct {
	Name          string
	SourceDomains []string
	TargetDomains []string

	// ClassNames ist nach Label sortiert
	ClassNames []string

	TrainX []Datum
	Val    []Datum
	Test   []Datum
}

// NumClasses gibt die Anzahl der Klassen zurueck
func (d *Dataset) NumClasses() int {
	return len(d.ClassNames)
}

// Options entspricht dem DATASET Block der Konfiguration
type Options struct {
	Root          string
	Name          string
	SourceDomains []string
	TargetDomains []string

	// NumShots > 0 zieht pro Klasse hoechstens NumShots Trainingsbilder
	NumShots int
	Seed     uint64
}

// datasetDirs bildet die Namen bekannter Datensaetze auf ihr Verzeichnis ab
var datasetDirs = map[string]string{
	"OfficeHomeDG": "office_home_dg",
	"PACS":         filepath.Join("pacs", "images"),
	"VLCS":         "VLCS",
	"DigitsDG":     "digits_dg",
}

var (
	trainSplits = []string{"train"}
	valSplits   = []string{"val", "crossval"}
)

// Build liest den Datensatz opts.Name unter opts.Root
func Build(opts Options) (*Dataset, error) {
	if len(opts.SourceDomains) == 0 {
		return nil, ErrNoDomains
	}

	dir := filepath.Join(opts.Root, cmp.Or(datasetDirs[opts.Name], opts.Name))

	// Klassen ueber alle beteiligten Domains
	classes := make(map[string]struct{})
	for _, domain := range slices.Concat(opts.SourceDomains, opts.TargetDomains) {
		names, err := classNames(filepath.Join(dir, domain))
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			classes[n] = struct{}{}
		}
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: no class directories in %s", ErrEmptyDataset, dir)
	}

	ds := &Dataset{
		Name:          opts.Name,
		SourceDomains: opts.SourceDomains,
		TargetDomains: opts.TargetDomains,
		ClassNames:    slices.Sorted(maps.Keys(classes)),
	}
	labels := make(map[string]int, len(ds.ClassNames))
	for i, n := range ds.ClassNames {
		labels[n] = i
	}

	for i, domain := range opts.SourceDomains {
		train, err := readDomain(filepath.Join(dir, domain), trainSplits, i, labels)
		if err != nil {
			return nil, err
		}
		val, err := readDomain(filepath.Join(dir, domain), valSplits, i, labels)
		if err != nil {
			return nil, err
		}
		ds.TrainX = append(ds.TrainX, train...)
		ds.Val = append(ds.Val, val...)
	}

	for i, domain := range opts.TargetDomains {
		test, err := readDomain(filepath.Join(dir, domain), nil, i, labels)
		if err != nil {
			return nil, err
		}
		ds.Test = append(ds.Test, test...)
	}

	if len(ds.TrainX) == 0 {
		return nil, fmt.Errorf("%w: no training images for %v", ErrEmptyDataset, opts.SourceDomains)
	}

	if opts.NumShots > 0 {
		ds.TrainX = FewShot(ds.TrainX, opts.NumShots, opts.Seed)
		ds.Val = FewShot(ds.Val, min(opts.NumShots, 4), opts.Seed+1)
	}

	slog.Info("dataset built", "name", opts.Name, "classes", len(ds.ClassNames),
		"train_x", len(ds.TrainX), "val", len(ds.Val), "test", len(ds.Test))
	return ds, nil
}

// splitDirs gibt die vorhandenen Split-Verzeichnisse einer Domain zurueck
func splitDirs(domainDir string, splits []string) []string {
	var dirs []string
	for _, s := range splits {
		if fi, err := os.Stat(filepath.Join(domainDir, s)); err == nil && fi.IsDir() {
			dirs = append(dirs, filepath.Join(domainDir, s))
		}
	}
	return dirs
}

// hasSplits meldet, ob die Domain in train/val/test aufgeteilt ist
func hasSplits(domainDir string) bool {
	return len(splitDirs(domainDir, slices.Concat(trainSplits, valSplits, []string{"test"}))) > 0
}

// classNames liest die Klassenordner einer Domain (ueber alle Splits)
func classNames(domainDir string) ([]string, error) {
	if fi, err := os.Stat(domainDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domainDir)
	}

	roots := []string{domainDir}
	if hasSplits(domainDir) {
		roots = splitDirs(domainDir, slices.Concat(trainSplits, valSplits, []string{"test"}))
	}

	seen := make(map[string]struct{})
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				seen[e.Name()] = struct{}{}
			}
		}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

// readDomain liest die Bilder der gegebenen Splits. splits == nil oder
// eine Domain ohne Splits liefert alle Bilder der Domain.
func readDomain(domainDir string, splits []string, domain int, labels map[string]int) ([]Datum, error) {
	var roots []string
	switch {
	case !hasSplits(domainDir):
		// ohne Splits: Validierung bleibt leer, Training sieht alles
		if slices.Equal(splits, valSplits) {
			return nil, nil
		}
		roots = []string{domainDir}
	case splits == nil:
		roots = splitDirs(domainDir, slices.Concat(trainSplits, valSplits, []string{"test"}))
	default:
		roots = splitDirs(domainDir, splits)
	}

	var items []Datum
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			label := labels[e.Name()]
			files, err := os.ReadDir(filepath.Join(root, e.Name()))
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if f.IsDir() || !vision.IsImageFile(f.Name()) {
					continue
				}
				items = append(items, Datum{
					Path:      filepath.Join(root, e.Name(), f.Name()),
					Label:     label,
					Domain:    domain,
					ClassName: e.Name(),
				})
			}
		}
	}
	return items, nil
}

// FewShot zieht pro Label hoechstens shots Elemente. Die Reihenfolge der
// Labels bleibt erhalten, das Ergebnis ist fuer einen Seed deterministisch.
func FewShot(items []Datum, shots int, seed uint64) []Datum {
	if shots <= 0 {
		return items
	}

	byLabel := make(map[int][]Datum)
	for _, it := range items {
		byLabel[it.Label] = append(byLabel[it.Label], it)
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	var out []Datum
	for _, label := range slices.Sorted(maps.Keys(byLabel)) {
		group := byLabel[label]
		if len(group) <= shots {
			out = append(out, group...)
			continue
		}
		for _, i := range rng.Perm(len(group))[:shots] {
			out = append(out, group[i])
		}
	}
	return out
}
