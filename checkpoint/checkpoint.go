// Package checkpoint schreibt und liest Trainer-Checkpoints.
//
// Layout pro registriertem Modell:
//
//	<dir>/<name>/model.pth.tar-<epoch>
//	<dir>/<name>/model-best.pth.tar
//	<dir>/<name>/checkpoint            (Name der zuletzt geschriebenen Datei)
//
// Geschrieben wird GGUF. Gelesen wird GGUF oder ein torch.save Archiv
// ({"state_dict", "epoch", ...}), erkannt an den ersten Bytes.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/7blacky7/encoop/convert"
	fsggml "github.com/7blacky7/encoop/fs/ggml"
	"github.com/7blacky7/encoop/optim"
)

const (
	// Architecture ist general.architecture einer Checkpoint-Datei
	Architecture = "encoop"

	BestFile    = "model-best.pth.tar"
	PointerFile = "checkpoint"

	stateDictPrefix = "state_dict."
	optimizerPrefix = "optimizer."
)

var (
	ErrModelFileNotFound = errors.New("checkpoint: model file not found")
	ErrUnsupportedFormat = errors.New("checkpoint: unsupported file format")
)

// ModelFileNotFoundError nennt den fehlenden Pfad
type ModelFileNotFoundError struct {
	Path string
}

func (e *ModelFileNotFoundError) Error() string {
	return fmt.Sprintf("checkpoint: model not found at %q", e.Path)
}

func (e *ModelFileNotFoundError) Unwrap() error {
	return ErrModelFileNotFound
}

// Tensor ist ein dichter row-major Tensor
type Tensor = convert.Tensor

// Checkpoint ist der gespeicherte Zustand eines Modells
type Checkpoint struct {
	StateDict map[string]Tensor
	Epoch     int

	// ValResult ist nil, wenn keine Validierung lief
	ValResult *float64

	Optimizer      *optim.State
	SchedulerEpoch int
	RunID          string
}

// FileName gibt den Dateinamen fuer epoch zurueck, epoch <= 0 ist model-best
func FileName(epoch int) string {
	if epoch <= 0 {
		return BestFile
	}
	return "model.pth.tar-" + strconv.Itoa(epoch)
}

// Path gibt den Pfad des Checkpoints von Modell name zurueck
func Path(dir, name string, epoch int) string {
	return filepath.Join(dir, name, FileName(epoch))
}

// Save schreibt ck nach dir/fileName (leer: model.pth.tar-<Epoch>),
// aktualisiert die Pointer-Datei und kopiert bei isBest nach model-best
func Save(dir string, ck *Checkpoint, fileName string, isBest bool) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	if fileName == "" {
		fileName = FileName(ck.Epoch)
	}
	path := filepath.Join(dir, fileName)

	kv, ts := encode(ck)

	f, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(f.Name())

	if err := fsggml.WriteGGUF(f, kv, ts); err != nil {
		f.Close()
		return "", fmt.Errorf("checkpoint: write %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return "", err
	}
	slog.Info("checkpoint saved", "path", path, "epoch", ck.Epoch, "size", humanize.Bytes(uint64(info.Size())))

	if err := os.WriteFile(filepath.Join(dir, PointerFile), []byte(fileName+"\n"), 0o644); err != nil {
		return "", err
	}

	if isBest && fileName != BestFile {
		if err := copyFile(filepath.Join(dir, BestFile), path); err != nil {
			return "", err
		}
	}

	return path, nil
}

func encode(ck *Checkpoint) (fsggml.KV, []*fsggml.Tensor) {
	kv := fsggml.KV{
		"general.architecture":       Architecture,
		"checkpoint.epoch":           uint32(ck.Epoch),
		"checkpoint.scheduler_epoch": uint32(ck.SchedulerEpoch),
	}
	if ck.ValResult != nil {
		kv["checkpoint.val_result"] = *ck.ValResult
	}
	if ck.RunID != "" {
		kv["checkpoint.run_id"] = ck.RunID
	}

	ts := make([]*fsggml.Tensor, 0, len(ck.StateDict))
	for key, t := range ck.StateDict {
		ts = append(ts, fsggml.NewFloatTensor(stateDictPrefix+key, fsggml.TensorTypeF32, t.Shape, t.Data))
	}

	if ck.Optimizer != nil {
		kv["checkpoint.optimizer.step"] = ck.Optimizer.Step
		kv["checkpoint.optimizer.lr"] = ck.Optimizer.LR
		for key, slot := range ck.Optimizer.Slots {
			ts = append(ts, fsggml.NewFloatTensor(optimizerPrefix+key, fsggml.TensorTypeF32, []int{len(slot)}, slot))
		}
	}

	return kv, ts
}

// Latest liest die Pointer-Datei von dir. Fehlt sie, ist ok false.
func Latest(dir string) (fileName string, ok bool, err error) {
	b, err := os.ReadFile(filepath.Join(dir, PointerFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}

	line, _, _ := strings.Cut(string(b), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false, fmt.Errorf("checkpoint: empty pointer file in %s", dir)
	}
	return line, true, nil
}

// Load liest einen Checkpoint und wendet policy beim Dekodieren an
func Load(path string, policy Policy) (*Checkpoint, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, &ModelFileNotFoundError{Path: path}
	} else if err != nil {
		return nil, err
	}

	gguf, err := fsggml.IsGGUF(path)
	if err != nil {
		return nil, err
	}
	if gguf {
		return loadGGUF(path, policy)
	}
	return loadTorch(path, policy)
}

// LoadAll prueft zuerst, dass fuer jedes Modell die Datei existiert, und
// dekodiert erst danach. Bei einem Fehler wird nichts zurueckgegeben.
func LoadAll(dir string, names []string, epoch int, policy Policy) (map[string]*Checkpoint, error) {
	paths := make(map[string]string, len(names))
	for _, name := range names {
		path := Path(dir, name, epoch)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, &ModelFileNotFoundError{Path: path}
			}
			return nil, err
		}
		paths[name] = path
	}

	out := make(map[string]*Checkpoint, len(names))
	for _, name := range names {
		ck, err := Load(paths[name], policy)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %s: %w", name, err)
		}
		out[name] = ck
	}
	return out, nil
}

func loadGGUF(path string, policy Policy) (*Checkpoint, error) {
	kv, tensors, err := fsggml.OpenFunc(path, func(name string) bool {
		if key, ok := strings.CutPrefix(name, stateDictPrefix); ok {
			return policy.Keep(key)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %s: %w", path, err)
	}
	if kv.Architecture() != Architecture {
		return nil, fmt.Errorf("%w: architecture %q", ErrUnsupportedFormat, kv.Architecture())
	}

	ck := &Checkpoint{
		StateDict:      make(map[string]Tensor),
		Epoch:          int(kv.Uint("checkpoint.epoch")),
		SchedulerEpoch: int(kv.Uint("checkpoint.scheduler_epoch")),
		RunID:          kv.String("checkpoint.run_id"),
	}
	if kv.Has("checkpoint.val_result") {
		v := kv.Float64("checkpoint.val_result")
		ck.ValResult = &v
	}
	if kv.Has("checkpoint.optimizer.step") {
		ck.Optimizer = &optim.State{
			Step:  kv.Uint64("checkpoint.optimizer.step"),
			LR:    kv.Float64("checkpoint.optimizer.lr"),
			Slots: make(map[string][]float32),
		}
	}

	for name, t := range tensors {
		switch {
		case strings.HasPrefix(name, stateDictPrefix):
			ck.StateDict[strings.TrimPrefix(name, stateDictPrefix)] = Tensor{
				Shape: t.Dims(),
				Data:  t.Floats(),
				Kind:  fsggml.TensorType(t.Kind),
			}
		case strings.HasPrefix(name, optimizerPrefix) && ck.Optimizer != nil:
			ck.Optimizer.Slots[strings.TrimPrefix(name, optimizerPrefix)] = t.Floats()
		default:
			slog.Debug("ignoring checkpoint tensor", "name", name)
		}
	}

	return ck, nil
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
