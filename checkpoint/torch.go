package checkpoint

import (
	"fmt"
	"log/slog"

	"github.com/nlpodyssey/gopickle/pytorch"

	"github.com/7blacky7/encoop/convert"
)

// loadTorch liest einen mit torch.save geschriebenen Checkpoint. Der
// Optimierer-Zustand von torch wird nicht uebernommen.
func loadTorch(path string, policy Policy) (*Checkpoint, error) {
	v, err := convert.LoadTorch(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}

	entries, err := convert.Entries(v)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %s: %w", path, err)
	}

	ck := &Checkpoint{StateDict: make(map[string]Tensor)}
	var stateDict any
	for _, e := range entries {
		switch e.Key {
		case "state_dict":
			stateDict = e.Value
		case "epoch":
			if n, ok := e.Value.(int); ok {
				ck.Epoch = n
			}
		case "val_result":
			if f, ok := e.Value.(float64); ok {
				ck.ValResult = &f
			}
		case "optimizer", "scheduler":
			slog.Debug("ignoring torch state", "path", path, "key", e.Key)
		}
	}
	if stateDict == nil {
		return nil, fmt.Errorf("checkpoint: %s: %w", path, convert.ErrNotStateDict)
	}

	sd, err := convert.Entries(stateDict)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %s: %w", path, err)
	}

	for _, e := range sd {
		if !policy.Keep(e.Key) {
			slog.Debug("dropping checkpoint key", "key", e.Key)
			continue
		}

		pt, ok := e.Value.(*pytorch.Tensor)
		if !ok {
			continue
		}

		t, err := convert.Materialize(pt)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %s: %w", e.Key, err)
		}
		ck.StateDict[e.Key] = t
	}

	return ck, nil
}
