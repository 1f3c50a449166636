// SPDX-License-Identifier: MIT

// Package executor runs computational-chemistry workloads against a
// machine-learned potential behind the Calculator boundary.
package executor

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Atoms is a periodic structure. Cell rows are the lattice vectors in
// angstrom; positions are cartesian.
type Atoms struct {
	Symbols   []string
	Positions [][3]float64
	Cell      [3][3]float64
	PBC       bool
}

// Len returns the atom count.
func (a *Atoms) Len() int { return len(a.Positions) }

// Copy deep-copies the structure.
func (a *Atoms) Copy() *Atoms {
	c := &Atoms{
		Symbols:   append([]string(nil), a.Symbols...),
		Positions: append([][3]float64(nil), a.Positions...),
		Cell:      a.Cell,
		PBC:       a.PBC,
	}
	return c
}

// Volume returns the cell volume in cubic angstrom.
func (a *Atoms) Volume() float64 {
	c := a.Cell
	det := c[0][0]*(c[1][1]*c[2][2]-c[1][2]*c[2][1]) -
		c[0][1]*(c[1][0]*c[2][2]-c[1][2]*c[2][0]) +
		c[0][2]*(c[1][0]*c[2][1]-c[1][1]*c[2][0])
	return math.Abs(det)
}

func norm(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

// CellLengths returns |a|, |b|, |c|.
func (a *Atoms) CellLengths() [3]float64 {
	return [3]float64{norm(a.Cell[0]), norm(a.Cell[1]), norm(a.Cell[2])}
}

// CellAngles returns alpha, beta, gamma in degrees.
func (a *Atoms) CellAngles() [3]float64 {
	angle := func(u, v [3]float64) float64 {
		cos := dot(u, v) / (norm(u) * norm(v))
		cos = math.Max(-1, math.Min(1, cos))
		return math.Acos(cos) * 180 / math.Pi
	}
	return [3]float64{
		angle(a.Cell[1], a.Cell[2]),
		angle(a.Cell[0], a.Cell[2]),
		angle(a.Cell[0], a.Cell[1]),
	}
}

// CellParameters packs lengths and angles for result payloads.
func (a *Atoms) CellParameters() map[string]any {
	l := a.CellLengths()
	ang := a.CellAngles()
	return map[string]any{
		"a": l[0], "b": l[1], "c": l[2],
		"alpha": ang[0], "beta": ang[1], "gamma": ang[2],
	}
}

// ScaleCell scales lattice vectors and positions by a linear factor.
func (a *Atoms) ScaleCell(linear float64) {
	for i := range a.Cell {
		for j := range a.Cell[i] {
			a.Cell[i][j] *= linear
		}
	}
	for i := range a.Positions {
		for j := range a.Positions[i] {
			a.Positions[i][j] *= linear
		}
	}
}

// Cartesian converts fractional coordinates to cartesian.
func (a *Atoms) Cartesian(frac [3]float64) [3]float64 {
	var out [3]float64
	for j := range 3 {
		out[j] = frac[0]*a.Cell[0][j] + frac[1]*a.Cell[1][j] + frac[2]*a.Cell[2][j]
	}
	return out
}

// Supercell replicates the cell nx by ny by nz times.
func (a *Atoms) Supercell(nx, ny, nz int) *Atoms {
	reps := nx * ny * nz
	s := &Atoms{
		Symbols:   make([]string, 0, a.Len()*reps),
		Positions: make([][3]float64, 0, a.Len()*reps),
		PBC:       a.PBC,
	}
	for i := range 3 {
		for j := range 3 {
			s.Cell[i][j] = a.Cell[i][j]
		}
	}
	for j := range 3 {
		s.Cell[0][j] *= float64(nx)
		s.Cell[1][j] *= float64(ny)
		s.Cell[2][j] *= float64(nz)
	}
	for ix := range nx {
		for iy := range ny {
			for iz := range nz {
				var shift [3]float64
				for j := range 3 {
					shift[j] = float64(ix)*a.Cell[0][j] +
						float64(iy)*a.Cell[1][j] +
						float64(iz)*a.Cell[2][j]
				}
				for i, p := range a.Positions {
					s.Symbols = append(s.Symbols, a.Symbols[i])
					s.Positions = append(s.Positions, [3]float64{
						p[0] + shift[0], p[1] + shift[1], p[2] + shift[2],
					})
				}
			}
		}
	}
	return s
}

// Translate shifts every position by d.
func (a *Atoms) Translate(d [3]float64) {
	for i := range a.Positions {
		for j := range 3 {
			a.Positions[i][j] += d[j]
		}
	}
}

// Extend appends another structure's atoms, keeping this cell.
func (a *Atoms) Extend(other *Atoms) {
	a.Symbols = append(a.Symbols, other.Symbols...)
	a.Positions = append(a.Positions, other.Positions...)
}

// Centroid returns the mean cartesian position.
func (a *Atoms) Centroid() [3]float64 {
	var c [3]float64
	for _, p := range a.Positions {
		for j := range 3 {
			c[j] += p[j]
		}
	}
	n := float64(a.Len())
	for j := range 3 {
		c[j] /= n
	}
	return c
}

// Formula returns the chemical formula with elements in alphabetical order.
func (a *Atoms) Formula() string {
	counts := map[string]int{}
	for _, s := range a.Symbols {
		counts[s]++
	}
	elems := make([]string, 0, len(counts))
	for e := range counts {
		elems = append(elems, e)
	}
	sort.Strings(elems)
	var b strings.Builder
	for _, e := range elems {
		b.WriteString(e)
		if counts[e] > 1 {
			fmt.Fprintf(&b, "%d", counts[e])
		}
	}
	return b.String()
}

// MaxForce returns the largest per-atom force norm in eV/angstrom.
func MaxForce(forces [][3]float64) float64 {
	fmax := 0.0
	for _, f := range forces {
		n2 := f[0]*f[0] + f[1]*f[1] + f[2]*f[2]
		if n2 > fmax {
			fmax = n2
		}
	}
	return math.Sqrt(fmax)
}

// RMSForce returns the root mean square force component.
func RMSForce(forces [][3]float64) float64 {
	if len(forces) == 0 {
		return 0
	}
	sum := 0.0
	for _, f := range forces {
		sum += f[0]*f[0] + f[1]*f[1] + f[2]*f[2]
	}
	return math.Sqrt(sum / float64(len(forces)*3))
}

// RMSD computes the root mean square displacement between two position sets.
func RMSD(a, b [][3]float64) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	sum := 0.0
	for i := range a {
		for j := range 3 {
			d := a[i][j] - b[i][j]
			sum += d * d
		}
	}
	return math.Sqrt(sum / float64(len(a)*3)), true
}

// atomicMasses covers the elements seen in MOF and guest-molecule work,
// in unified atomic mass units.
var atomicMasses = map[string]float64{
	"H": 1.008, "He": 4.0026, "Li": 6.94, "Be": 9.0122, "B": 10.81,
	"C": 12.011, "N": 14.007, "O": 15.999, "F": 18.998, "Ne": 20.180,
	"Na": 22.990, "Mg": 24.305, "Al": 26.982, "Si": 28.085, "P": 30.974,
	"S": 32.06, "Cl": 35.45, "Ar": 39.948, "K": 39.098, "Ca": 40.078,
	"Ti": 47.867, "V": 50.942, "Cr": 51.996, "Mn": 54.938, "Fe": 55.845,
	"Co": 58.933, "Ni": 58.693, "Cu": 63.546, "Zn": 65.38, "Ga": 69.723,
	"Ge": 72.630, "Br": 79.904, "Zr": 91.224, "Mo": 95.95, "Ag": 107.87,
	"Cd": 112.41, "In": 114.82, "Sn": 118.71, "I": 126.90, "Hf": 178.49,
	"W": 183.84, "Pt": 195.08, "Au": 196.97, "Pb": 207.2,
}

// MassOf returns the atomic mass in amu, defaulting to carbon for
// elements outside the table.
func MassOf(symbol string) float64 {
	if m, ok := atomicMasses[symbol]; ok {
		return m
	}
	return 12.011
}
