// MODUL: normalize
// ZWECK: Normalisierung und Tensor-Konvertierung fuer den Bild-Encoder
// INPUT: ImageInput, Normalisierungs-Parameter (mean, std)
// OUTPUT: float32-Slices im CHW Layout
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: keine (nur Standardbibliothek)
// HINWEISE: Werte werden wie ToTensor auf [0,1] skaliert, dann (x-mean)/std

package vision

// Standard-Normalisierungswerte
var (
	// CLIP Default, INPUT.PIXEL_MEAN / PIXEL_STD der CoOp Konfigurationen
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}

	// ImageNet, Default von INPUT.PIXEL_MEAN ohne Konfiguration
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}

	// Keine Normalisierung (nur Skalierung auf [0,1])
	NoNormMean = [3]float32{0.0, 0.0, 0.0}
	NoNormStd  = [3]float32{1.0, 1.0, 1.0}
)

// NormalizeRGB normalisiert ein Bild mit gegebenen mean/std Werten
// Gibt einen float32-Slice im CHW Format zurueck (Channel-First)
func NormalizeRGB(img *ImageInput, mean, std [3]float32) []float32 {
	size := img.Width * img.Height
	result := make([]float32, 3*size)
	NormalizeInto(result, img, mean, std)
	return result
}

// NormalizeInto schreibt das normalisierte Bild nach dst (Laenge 3*H*W),
// z.B. direkt in den Bereich eines Batch-Puffers
func NormalizeInto(dst []float32, img *ImageInput, mean, std [3]float32) {
	size := img.Width * img.Height
	idx := 0
	for y := range img.Height {
		row := img.Image.Pix[y*img.Image.Stride:]
		for x := range img.Width {
			for c := range 3 {
				v := float32(row[4*x+c]) / 255
				dst[c*size+idx] = (v - mean[c]) / std[c]
			}
			idx++
		}
	}
}

// TensorShape gibt die Tensor-Form (C, H, W) zurueck
func (img *ImageInput) TensorShape() []int {
	return []int{3, img.Height, img.Width}
}
