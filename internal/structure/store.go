// SPDX-License-Identifier: MIT

// Package structure resolves structure references into atoms. The store
// reads extended-XYZ files from a data directory root.
package structure

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mofsim/gpusched/internal/executor"
	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/task"
)

// vacuumPaddingA pads non-periodic molecules into a bounding box.
const vacuumPaddingA = 10.0

// Store resolves structure references against a directory root. A
// reference is a relative path such as "structures/mof-5.xyz".
type Store struct {
	root   string
	logger zerolog.Logger
}

// NewStore builds a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir, logger: log.WithComponent("structure")}
}

// Atoms loads and parses the referenced structure file.
func (s *Store) Atoms(ctx context.Context, ref string) (*executor.Atoms, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: structure %q", task.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("open structure %q: %w", ref, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xyz", ".extxyz":
		a, err := ParseXYZ(f)
		if err != nil {
			return nil, fmt.Errorf("%w: structure %q: %v", task.ErrValidation, ref, err)
		}
		logger := log.WithContext(ctx, s.logger)
		logger.Debug().
			Str("ref", ref).
			Int("atoms", a.Len()).
			Bool("periodic", a.PBC).
			Msg("structure loaded")
		return a, nil
	default:
		return nil, fmt.Errorf("%w: unsupported structure format %q", task.ErrValidation, filepath.Ext(path))
	}
}

// resolve joins ref onto the root and rejects escapes.
func (s *Store) resolve(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty structure reference", task.ErrValidation)
	}
	clean := filepath.Clean(ref)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: structure reference escapes data dir", task.ErrValidation)
	}
	return filepath.Join(s.root, clean), nil
}

// ParseXYZ reads an (extended) XYZ structure: a count line, a comment
// line that may carry Lattice="..." and pbc="..." keys, then one
// "Symbol x y z" line per atom. Molecules without a lattice get a vacuum
// box around the bounding cube.
func ParseXYZ(r io.Reader) (*executor.Atoms, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	if !sc.Scan() {
		return nil, fmt.Errorf("empty file")
	}
	n, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("malformed atom count %q", strings.TrimSpace(sc.Text()))
	}
	if !sc.Scan() {
		return nil, fmt.Errorf("missing comment line")
	}
	comment := sc.Text()

	a := &executor.Atoms{
		Symbols:   make([]string, 0, n),
		Positions: make([][3]float64, 0, n),
	}
	for range n {
		if !sc.Scan() {
			return nil, fmt.Errorf("expected %d atoms, file ends at %d", n, a.Len())
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			return nil, fmt.Errorf("malformed atom line %q", sc.Text())
		}
		var pos [3]float64
		for j := range 3 {
			v, err := strconv.ParseFloat(fields[j+1], 64)
			if err != nil {
				return nil, fmt.Errorf("malformed coordinate %q", fields[j+1])
			}
			pos[j] = v
		}
		a.Symbols = append(a.Symbols, fields[0])
		a.Positions = append(a.Positions, pos)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if lattice, ok := commentValue(comment, "Lattice"); ok {
		cell, err := parseLattice(lattice)
		if err != nil {
			return nil, err
		}
		a.Cell = cell
		a.PBC = true
		if pbc, ok := commentValue(comment, "pbc"); ok {
			a.PBC = strings.Contains(strings.ToUpper(pbc), "T")
		}
		return a, nil
	}

	a.Cell = vacuumBox(a.Positions)
	a.PBC = false
	return a, nil
}

// commentValue extracts key="..." or key=value from an extended-XYZ
// comment line.
func commentValue(comment, key string) (string, bool) {
	rest := comment
	for {
		idx := strings.Index(rest, key+"=")
		if idx < 0 {
			return "", false
		}
		if idx > 0 && rest[idx-1] != ' ' && rest[idx-1] != '\t' {
			rest = rest[idx+len(key)+1:]
			continue
		}
		v := rest[idx+len(key)+1:]
		if strings.HasPrefix(v, `"`) {
			end := strings.Index(v[1:], `"`)
			if end < 0 {
				return "", false
			}
			return v[1 : end+1], true
		}
		if end := strings.IndexAny(v, " \t"); end >= 0 {
			v = v[:end]
		}
		return v, true
	}
}

func parseLattice(s string) ([3][3]float64, error) {
	var cell [3][3]float64
	fields := strings.Fields(s)
	if len(fields) != 9 {
		return cell, fmt.Errorf("lattice needs 9 components, got %d", len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return cell, fmt.Errorf("malformed lattice component %q", f)
		}
		cell[i/3][i%3] = v
	}
	return cell, nil
}

func vacuumBox(positions [][3]float64) [3][3]float64 {
	var lo, hi [3]float64
	for j := range 3 {
		lo[j], hi[j] = positions[0][j], positions[0][j]
	}
	for _, p := range positions {
		for j := range 3 {
			if p[j] < lo[j] {
				lo[j] = p[j]
			}
			if p[j] > hi[j] {
				hi[j] = p[j]
			}
		}
	}
	side := 0.0
	for j := range 3 {
		if d := hi[j] - lo[j]; d > side {
			side = d
		}
	}
	side += vacuumPaddingA
	return [3][3]float64{{side, 0, 0}, {0, side, 0}, {0, 0, side}}
}
