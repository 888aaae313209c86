// MODUL: image
// ZWECK: Bild-Lade- und Geometriefunktionen fuer die Daten-Pipeline
// INPUT: Dateipfad, Bytes oder io.Reader
// OUTPUT: ImageInput Struktur mit dekodiertem RGBA-Bild
// NEBENEFFEKTE: Dateisystem-Lesezugriff bei LoadImage
// ABHAENGIGKEITEN: golang.org/x/image/draw, webp, bmp, tiff (extern)
// HINWEISE: Alle Bilder werden als RGBA mit Ursprung (0,0) gefuehrt

package vision

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"strings"

	// Standard-Decoder registrieren
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageInput enthaelt ein dekodiertes Bild mit Metadaten
type ImageInput struct {
	Image  *image.RGBA
	Width  int
	Height int
	Format ImageFormat
}

// Interpolation waehlt den Skalierungs-Kernel
type Interpolation string

const (
	Nearest  Interpolation = "nearest"
	Bilinear Interpolation = "bilinear"
	Bicubic  Interpolation = "bicubic"
)

// ParseInterpolation akzeptiert die Namen aus INPUT.INTERPOLATION
func ParseInterpolation(s string) (Interpolation, error) {
	switch i := Interpolation(strings.ToLower(s)); i {
	case Nearest, Bilinear, Bicubic:
		return i, nil
	case "":
		return Bilinear, nil
	default:
		return "", fmt.Errorf("vision: unknown interpolation %q", s)
	}
}

func (i Interpolation) scaler() draw.Scaler {
	switch i {
	case Nearest:
		return draw.NearestNeighbor
	case Bicubic:
		return draw.CatmullRom
	default:
		return draw.BiLinear
	}
}

// LoadImage laedt ein Bild von einem Dateipfad
func LoadImage(path string) (*ImageInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vision: read %s: %w", path, err)
	}

	img, err := LoadImageFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// LoadImageFromBytes dekodiert ein Bild aus Byte-Daten
func LoadImageFromBytes(data []byte) (*ImageInput, error) {
	format := DetectFormat(data)
	if format == FormatUnknown {
		return nil, ErrUnknownFormat
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("vision: decode %s: %w", format, err)
	}

	return fromImage(img, format), nil
}

// DecodeImage dekodiert ein Bild aus einem io.Reader
func DecodeImage(reader io.Reader) (*ImageInput, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return LoadImageFromBytes(data)
}

func fromImage(img image.Image, format ImageFormat) *ImageInput {
	rgba := toRGBA(img)
	return &ImageInput{
		Image:  rgba,
		Width:  rgba.Bounds().Dx(),
		Height: rgba.Bounds().Dy(),
		Format: format,
	}
}

// toRGBA konvertiert ein beliebiges image.Image zu *image.RGBA mit Ursprung (0,0)
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	return rgba
}

// ResizeImage skaliert ein Bild auf die angegebene Groesse
func ResizeImage(img *ImageInput, width, height int, interp Interpolation) (*ImageInput, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("vision: invalid size %dx%d", width, height)
	}
	if width == img.Width && height == img.Height {
		return img, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	interp.scaler().Scale(dst, dst.Bounds(), img.Image, img.Image.Bounds(), draw.Src, nil)

	return &ImageInput{
		Image:  dst,
		Width:  width,
		Height: height,
		Format: img.Format,
	}, nil
}

// ResizeShorter skaliert die kuerzere Seite auf size, das Seitenverhaeltnis
// bleibt erhalten (die laengere Seite wird abgeschnitten, nicht gerundet)
func ResizeShorter(img *ImageInput, size int, interp Interpolation) (*ImageInput, error) {
	w, h := shorterSideSize(img.Width, img.Height, size)
	return ResizeImage(img, w, h, interp)
}

func shorterSideSize(w, h, size int) (int, int) {
	if w <= h {
		return size, size * h / w
	}
	return size * w / h, size
}

// Crop schneidet das Rechteck (x, y, width, height) aus
func Crop(img *ImageInput, x, y, width, height int) (*ImageInput, error) {
	if x < 0 || y < 0 || width <= 0 || height <= 0 || x+width > img.Width || y+height > img.Height {
		return nil, fmt.Errorf("vision: crop %dx%d+%d+%d outside %dx%d image", width, height, x, y, img.Width, img.Height)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), img.Image, image.Pt(x, y), draw.Src)

	return &ImageInput{
		Image:  dst,
		Width:  width,
		Height: height,
		Format: img.Format,
	}, nil
}

// CenterCrop schneidet einen zentrierten Bereich aus
func CenterCrop(img *ImageInput, width, height int) (*ImageInput, error) {
	if width > img.Width || height > img.Height {
		return nil, fmt.Errorf("vision: crop larger than image: %dx%d > %dx%d", width, height, img.Width, img.Height)
	}

	// Rundung wie torchvision: int(round((H - h) / 2))
	return Crop(img, roundHalf(img.Width-width), roundHalf(img.Height-height), width, height)
}

func roundHalf(n int) int {
	return int(math.RoundToEven(float64(n) / 2))
}

// FlipHorizontal spiegelt das Bild an der vertikalen Achse
func FlipHorizontal(img *ImageInput) *ImageInput {
	dst := image.NewRGBA(img.Image.Bounds())
	for y := range img.Height {
		src := img.Image.Pix[y*img.Image.Stride : y*img.Image.Stride+4*img.Width]
		row := dst.Pix[y*dst.Stride : y*dst.Stride+4*img.Width]
		for x := range img.Width {
			copy(row[4*(img.Width-1-x):4*(img.Width-x)], src[4*x:4*x+4])
		}
	}

	return &ImageInput{
		Image:  dst,
		Width:  img.Width,
		Height: img.Height,
		Format: img.Format,
	}
}
