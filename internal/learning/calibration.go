package learning

import "math"

// Platt maps a raw margin to a calibrated probability 1/(1+exp(A*s+B)).
type Platt struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// Identity leaves margins unchanged apart from the sigmoid.
var Identity = Platt{A: -1, B: 0}

// Apply returns the calibrated probability for margin s.
func (p Platt) Apply(s float64) float64 {
	return sigmoid(-(p.A*s + p.B))
}

// FitPlatt fits sigmoid calibration to margins and binary labels with
// Newton's method on smoothed targets. A sample with a single class
// returns Identity.
func FitPlatt(margins, labels []float64) Platt {
	var nPos, nNeg float64
	for _, y := range labels {
		if y > 0.5 {
			nPos++
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 || len(margins) != len(labels) {
		return Identity
	}

	hi := (nPos + 1) / (nPos + 2)
	lo := 1 / (nNeg + 2)
	t := make([]float64, len(labels))
	for i, y := range labels {
		if y > 0.5 {
			t[i] = hi
		} else {
			t[i] = lo
		}
	}

	a, b := 0.0, math.Log((nNeg+1)/(nPos+1))
	const (
		maxIter = 100
		sigma   = 1e-12
		tol     = 1e-10
	)
	loss := plattLoss(margins, t, a, b)

	for iter := 0; iter < maxIter; iter++ {
		var h11, h22, h21, g1, g2 float64
		h11, h22 = sigma, sigma
		for i, s := range margins {
			// p is the modelled probability of the positive class.
			p := sigmoid(-(a*s + b))
			d1 := t[i] - p
			d2 := p * (1 - p)
			h11 += s * s * d2
			h22 += d2
			h21 += s * d2
			g1 += s * d1
			g2 += d1
		}
		if math.Abs(g1) < 1e-5 && math.Abs(g2) < 1e-5 {
			break
		}

		det := h11*h22 - h21*h21
		da := -(h22*g1 - h21*g2) / det
		db := -(-h21*g1 + h11*g2) / det
		gd := g1*da + g2*db

		step := 1.0
		for step >= 1e-10 {
			na, nb := a+step*da, b+step*db
			nl := plattLoss(margins, t, na, nb)
			if nl < loss+1e-4*step*gd {
				a, b, loss = na, nb, nl
				break
			}
			step /= 2
		}
		if step < 1e-10 || math.Abs(gd) < tol {
			break
		}
	}
	return Platt{A: a, B: b}
}

func plattLoss(margins, t []float64, a, b float64) float64 {
	var loss float64
	for i, s := range margins {
		f := a*s + b
		if f >= 0 {
			loss += t[i]*f + math.Log1p(math.Exp(-f))
		} else {
			loss += (t[i]-1)*f + math.Log1p(math.Exp(f))
		}
	}
	return loss
}
