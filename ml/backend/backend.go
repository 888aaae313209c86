package backend

import (
	_ "github.com/7blacky7/encoop/ml/backend/cpu"
)
