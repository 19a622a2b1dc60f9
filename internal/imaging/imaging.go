// Package imaging decodes images and applies the pre-processing used before
// the embedding model: short-side resize, center and five-crop, conversion to
// CHW float tensors and per-channel normalization.
package imaging

import (
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"gonum.org/v1/gonum/stat"

	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

// Channels is the number of color channels fed to the model.
const Channels = 3

// Open decodes the image at path into non-premultiplied RGBA.
func Open(path string) (*image.NRGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.ImageDecodeError(path, err)
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, errors.ImageDecodeError(path, err)
	}
	return img, nil
}

// Decode decodes any registered format into non-premultiplied RGBA.
func Decode(r io.Reader) (*image.NRGBA, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	return toNRGBA(img), nil
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Resize scales img so that its shorter side equals size, keeping the aspect
// ratio. The longer side is truncated, as torchvision's Resize(int) does.
func Resize(img *image.NRGBA, size int) *image.NRGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w == 0 || h == 0 {
		return img
	}

	var nw, nh int
	if w <= h {
		nw, nh = size, int(float64(size)*float64(h)/float64(w))
	} else {
		nw, nh = int(float64(size)*float64(w)/float64(h)), size
	}
	if nw == w && nh == h {
		return img
	}

	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// CenterCrop cuts a size×size square from the middle of img.
func CenterCrop(img *image.NRGBA, size int) (*image.NRGBA, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if size > w || size > h {
		return nil, errors.ConfigurationErrorf("crop %d larger than image %dx%d", size, w, h)
	}
	top := int(math.RoundToEven(float64(h-size) / 2))
	left := int(math.RoundToEven(float64(w-size) / 2))
	return crop(img, left, top, size), nil
}

// FiveCrop returns the four corner crops and the center crop, in the order
// top-left, top-right, bottom-left, bottom-right, center.
func FiveCrop(img *image.NRGBA, size int) ([5]*image.NRGBA, error) {
	var crops [5]*image.NRGBA

	center, err := CenterCrop(img, size)
	if err != nil {
		return crops, err
	}

	w, h := img.Rect.Dx(), img.Rect.Dy()
	crops[0] = crop(img, 0, 0, size)
	crops[1] = crop(img, w-size, 0, size)
	crops[2] = crop(img, 0, h-size, size)
	crops[3] = crop(img, w-size, h-size, size)
	crops[4] = center
	return crops, nil
}

func crop(img *image.NRGBA, left, top, size int) *image.NRGBA {
	r := image.Rect(left, top, left+size, top+size).Add(img.Rect.Min)
	return img.SubImage(r).(*image.NRGBA)
}

// Stats holds per-channel statistics of pixel values scaled to [0,1].
type Stats struct {
	Mean [Channels]float64
	Std  [Channels]float64
}

// ChannelStats computes the per-channel mean and population standard
// deviation of img. A zero deviation (flat channel) is reported as 1 so that
// normalization stays finite.
func ChannelStats(img *image.NRGBA) Stats {
	b := img.Rect
	n := b.Dx() * b.Dy()

	var st Stats
	if n == 0 {
		st.Std = [Channels]float64{1, 1, 1}
		return st
	}

	values := [Channels][]float64{
		make([]float64, 0, n),
		make([]float64, 0, n),
		make([]float64, 0, n),
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			values[0] = append(values[0], float64(c.R)/255)
			values[1] = append(values[1], float64(c.G)/255)
			values[2] = append(values[2], float64(c.B)/255)
		}
	}

	for c := 0; c < Channels; c++ {
		st.Mean[c], st.Std[c] = stat.PopMeanStdDev(values[c], nil)
		if st.Std[c] == 0 {
			st.Std[c] = 1
		}
	}
	return st
}

// TensorLen returns the number of floats of a size×size CHW tensor.
func TensorLen(size int) int {
	return Channels * size * size
}

// ToTensor writes img into dst in CHW order with values in [0,1].
// dst must hold Channels*W*H floats.
func ToTensor(img *image.NRGBA, dst []float32) {
	b := img.Rect
	w, h := b.Dx(), b.Dy()
	plane := w * h

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.NRGBAAt(b.Min.X+x, b.Min.Y+y)
			i := y*w + x
			dst[i] = float32(c.R) / 255
			dst[plane+i] = float32(c.G) / 255
			dst[2*plane+i] = float32(c.B) / 255
		}
	}
}

// Normalize applies (x - mean) / std per channel to a CHW tensor in place.
func Normalize(chw []float32, st Stats) {
	plane := len(chw) / Channels
	for c := 0; c < Channels; c++ {
		mean, std := float32(st.Mean[c]), float32(st.Std[c])
		seg := chw[c*plane : (c+1)*plane]
		for i := range seg {
			seg[i] = (seg[i] - mean) / std
		}
	}
}

// Fill returns an opaque w×h image of color c. Used to build fixtures.
func Fill(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}
