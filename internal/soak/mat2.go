package soak

import (
	"errors"
	"math"
)

var errNotPositiveDefinite = errors.New("matrix not positive definite")

type vec2 [2]float64

type mat2 [2][2]float64

func identity2() mat2 { return mat2{{1, 0}, {0, 1}} }

func (v vec2) sub(w vec2) vec2 { return vec2{v[0] - w[0], v[1] - w[1]} }

func (v vec2) scale(k float64) vec2 { return vec2{v[0] * k, v[1] * k} }

func (v vec2) add(w vec2) vec2 { return vec2{v[0] + w[0], v[1] + w[1]} }

func (m mat2) scale(k float64) mat2 {
	return mat2{{m[0][0] * k, m[0][1] * k}, {m[1][0] * k, m[1][1] * k}}
}

func (m mat2) add(n mat2) mat2 {
	return mat2{{m[0][0] + n[0][0], m[0][1] + n[0][1]}, {m[1][0] + n[1][0], m[1][1] + n[1][1]}}
}

func (m mat2) det() float64 { return m[0][0]*m[1][1] - m[0][1]*m[1][0] }

// quadForm returns v' M^-1 v.
func (m mat2) quadForm(v vec2) float64 {
	det := m.det()
	return (m[1][1]*v[0]*v[0] - (m[0][1]+m[1][0])*v[0]*v[1] + m[0][0]*v[1]*v[1]) / det
}

// cholesky returns lower triangular L with L L' = M for symmetric M.
func (m mat2) cholesky() (mat2, error) {
	a := m[0][0]
	if !(a > 0) {
		return mat2{}, errNotPositiveDefinite
	}
	l11 := math.Sqrt(a)
	l21 := (m[0][1] + m[1][0]) / 2 / l11
	rest := m[1][1] - l21*l21
	if !(rest > 0) {
		return mat2{}, errNotPositiveDefinite
	}
	return mat2{{l11, 0}, {l21, math.Sqrt(rest)}}, nil
}

func (m mat2) mulVec(v vec2) vec2 {
	return vec2{m[0][0]*v[0] + m[0][1]*v[1], m[1][0]*v[0] + m[1][1]*v[1]}
}

// regularize symmetrizes m and lifts its diagonal until it factors.
func (m mat2) regularize() mat2 {
	off := (m[0][1] + m[1][0]) / 2
	m[0][1], m[1][0] = off, off
	jitter := 1e-12 * math.Max(1, math.Abs(m[0][0])+math.Abs(m[1][1]))
	for i := 0; i < 40; i++ {
		if _, err := m.cholesky(); err == nil && m.det() > 0 {
			return m
		}
		m[0][0] += jitter
		m[1][1] += jitter
		jitter *= 4
	}
	return identity2()
}
