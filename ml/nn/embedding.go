package nn

import "github.com/7blacky7/encoop/ml"

type Embedding struct {
	Weight ml.Tensor `gguf:"weight"`
}

// Forward schlaegt die int32-Token-IDs in hiddenState nach
func (m *Embedding) Forward(ctx ml.Context, hiddenState ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, hiddenState)
}
