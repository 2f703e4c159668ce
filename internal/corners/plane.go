package corners

import (
	"image"
	"image/color"
	"math"
)

// plane is a float64 grayscale working image. Pixel (x,y) has its
// center at integer coordinates.
type plane struct {
	w, h int
	pix  []float64
}

func newPlane(w, h int) *plane {
	return &plane{w: w, h: h, pix: make([]float64, w*h)}
}

func (p *plane) at(x, y int) float64 {
	if x < 0 {
		x = 0
	} else if x >= p.w {
		x = p.w - 1
	}
	if y < 0 {
		y = 0
	} else if y >= p.h {
		y = p.h - 1
	}
	return p.pix[y*p.w+x]
}

func (p *plane) inside(x, y, margin float64) bool {
	return x >= margin && y >= margin && x <= float64(p.w-1)-margin && y <= float64(p.h-1)-margin
}

// sample returns the bilinearly interpolated value at (x,y).
func (p *plane) sample(x, y float64) float64 {
	x0, y0 := math.Floor(x), math.Floor(y)
	fx, fy := x-x0, y-y0
	ix, iy := int(x0), int(y0)
	a := p.at(ix, iy)
	b := p.at(ix+1, iy)
	c := p.at(ix, iy+1)
	d := p.at(ix+1, iy+1)
	return a*(1-fx)*(1-fy) + b*fx*(1-fy) + c*(1-fx)*fy + d*fx*fy
}

// toPlane converts any image to a grayscale plane with values in [0,255].
func toPlane(img image.Image) *plane {
	b := img.Bounds()
	p := newPlane(b.Dx(), b.Dy())
	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < p.h; y++ {
			row := g.Pix[(y+b.Min.Y-g.Rect.Min.Y)*g.Stride+(b.Min.X-g.Rect.Min.X):]
			for x := 0; x < p.w; x++ {
				p.pix[y*p.w+x] = float64(row[x])
			}
		}
		return p
	}
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			gray := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			p.pix[y*p.w+x] = float64(gray.Y)
		}
	}
	return p
}

// upsample scales the plane by an integer factor with bilinear interpolation.
// Upsampled pixel X corresponds to source coordinate (X+0.5)/f − 0.5.
func (p *plane) upsample(f int) *plane {
	if f <= 1 {
		return p
	}
	out := newPlane(p.w*f, p.h*f)
	inv := 1 / float64(f)
	for y := 0; y < out.h; y++ {
		sy := (float64(y)+0.5)*inv - 0.5
		for x := 0; x < out.w; x++ {
			sx := (float64(x)+0.5)*inv - 0.5
			out.pix[y*out.w+x] = p.sample(sx, sy)
		}
	}
	return out
}

// gaussian returns a separable Gaussian blur of the plane.
func (p *plane) gaussian(sigma float64) *plane {
	if sigma <= 0 {
		return p
	}
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = v
		sum += v
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	tmp := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			var acc float64
			for i := -radius; i <= radius; i++ {
				acc += kernel[i+radius] * p.at(x+i, y)
			}
			tmp.pix[y*p.w+x] = acc
		}
	}
	out := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			var acc float64
			for i := -radius; i <= radius; i++ {
				acc += kernel[i+radius] * tmp.at(x, y+i)
			}
			out.pix[y*p.w+x] = acc
		}
	}
	return out
}

// laplacianVariance is the variance of the 4-neighbour Laplacian over the
// interior pixels, a standard focus measure.
func (p *plane) laplacianVariance() float64 {
	if p.w < 3 || p.h < 3 {
		return 0
	}
	var sum, sumSq float64
	n := 0
	for y := 1; y < p.h-1; y++ {
		for x := 1; x < p.w-1; x++ {
			i := y*p.w + x
			l := p.pix[i-1] + p.pix[i+1] + p.pix[i-p.w] + p.pix[i+p.w] - 4*p.pix[i]
			sum += l
			sumSq += l * l
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

// Sharpness returns the Laplacian-variance focus measure of img.
func Sharpness(img image.Image) float64 {
	return toPlane(img).laplacianVariance()
}
