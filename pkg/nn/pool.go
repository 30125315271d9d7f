package nn

import "math"

// MaxPool2D is a non-overlapping max pool with "valid" padding; trailing
// rows and columns that do not fill a window are dropped.
type MaxPool2D struct {
	name    string
	H, W, C int
	Size    int

	argmax []int32
	n      int
}

// NewMaxPool2D builds a pool for per-sample input (h, w, c).
func NewMaxPool2D(name string, in Shape, size int) *MaxPool2D {
	return &MaxPool2D{name: name, H: in[0], W: in[1], C: in[2], Size: size}
}

func (p *MaxPool2D) Name() string { return p.name }
func (p *MaxPool2D) Kind() string { return "max_pooling2d" }
func (p *MaxPool2D) OutputShape() Shape {
	return Shape{p.H / p.Size, p.W / p.Size, p.C}
}
func (p *MaxPool2D) Params() []*Param { return nil }

func (p *MaxPool2D) Forward(x *Tensor, training bool) *Tensor {
	n := x.Batch()
	oh, ow := p.H/p.Size, p.W/p.Size
	out := NewTensor(n, oh, ow, p.C)
	var argmax []int32
	if training {
		argmax = make([]int32, len(out.Data))
	}
	parallel(n, func(s int) {
		in, o := x.Row(s), out.Row(s)
		base := s * oh * ow * p.C
		for i := 0; i < oh; i++ {
			for j := 0; j < ow; j++ {
				for c := 0; c < p.C; c++ {
					best, at := math.Inf(-1), 0
					for di := 0; di < p.Size; di++ {
						for dj := 0; dj < p.Size; dj++ {
							k := ((i*p.Size+di)*p.W+(j*p.Size+dj))*p.C + c
							if in[k] > best {
								best, at = in[k], k
							}
						}
					}
					idx := (i*ow+j)*p.C + c
					o[idx] = best
					if argmax != nil {
						argmax[base+idx] = int32(at)
					}
				}
			}
		}
	})
	if training {
		p.argmax, p.n = argmax, n
	}
	return out
}

func (p *MaxPool2D) Backward(dy *Tensor) *Tensor {
	dx := NewTensor(p.n, p.H, p.W, p.C)
	per := dy.SampleShape().Size()
	parallel(p.n, func(s int) {
		d, g := dx.Row(s), dy.Row(s)
		for i, v := range g {
			d[p.argmax[s*per+i]] += v
		}
	})
	p.argmax = nil
	return dx
}

// GlobalAvgPool averages each channel over the spatial dimensions,
// mapping (h, w, c) to (c).
type GlobalAvgPool struct {
	name    string
	H, W, C int
}

// NewGlobalAvgPool builds a global average pool for input (h, w, c).
func NewGlobalAvgPool(name string, in Shape) *GlobalAvgPool {
	return &GlobalAvgPool{name: name, H: in[0], W: in[1], C: in[2]}
}

func (g *GlobalAvgPool) Name() string       { return g.name }
func (g *GlobalAvgPool) Kind() string       { return "global_average_pooling2d" }
func (g *GlobalAvgPool) OutputShape() Shape { return Shape{g.C} }
func (g *GlobalAvgPool) Params() []*Param   { return nil }

func (g *GlobalAvgPool) Forward(x *Tensor, _ bool) *Tensor {
	n := x.Batch()
	out := NewTensor(n, g.C)
	inv := 1 / float64(g.H*g.W)
	for s := 0; s < n; s++ {
		in, o := x.Row(s), out.Row(s)
		for i, v := range in {
			o[i%g.C] += v
		}
		for c := range o {
			o[c] *= inv
		}
	}
	return out
}

func (g *GlobalAvgPool) Backward(dy *Tensor) *Tensor {
	n := dy.Batch()
	dx := NewTensor(n, g.H, g.W, g.C)
	inv := 1 / float64(g.H*g.W)
	for s := 0; s < n; s++ {
		d, gr := dx.Row(s), dy.Row(s)
		for i := range d {
			d[i] = gr[i%g.C] * inv
		}
	}
	return dx
}
