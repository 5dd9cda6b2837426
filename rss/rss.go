// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package rss computes regulon specificity scores (RSS), which
// measure how specifically a regulon's activity (AUC) is
// concentrated in one category of cells.
//
// For a regulon with AUC vector a and a category with indicator
// vector c, RSS = 1 - sqrt(JSD(a/Σa, c/Σc)), where JSD is the
// Jensen-Shannon divergence using natural logarithms.
package rss

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Score returns the specificity of the given AUC values for the
// cells where member is true. It returns 0 if there is no activity
// at all or the category is empty.
func Score(auc []float64, member []bool) float64 {
	if len(auc) != len(member) {
		panic(fmt.Sprintf("rss: length mismatch %d != %d", len(auc), len(member)))
	}
	total := floats.Sum(auc)
	if total <= 0 {
		return 0
	}
	p := make([]float64, len(auc))
	q := make([]float64, len(auc))
	nmember := 0
	for _, m := range member {
		if m {
			nmember++
		}
	}
	if nmember == 0 {
		return 0
	}
	for i, v := range auc {
		p[i] = v / total
		if member[i] {
			q[i] = 1 / float64(nmember)
		}
	}
	js := stat.JensenShannon(p, q)
	if js < 0 || math.IsNaN(js) {
		js = 0
	}
	score := 1 - math.Sqrt(js)
	if score < 0 {
		score = 0
	}
	return score
}

// Categories returns the distinct labels, sorted.
func Categories(labels []string) []string {
	seen := map[string]bool{}
	var cats []string
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			cats = append(cats, l)
		}
	}
	sort.Strings(cats)
	return cats
}

// Table holds one score per (category, regulon).
type Table struct {
	Categories []string
	Regulons   []string
	Scores     *mat.Dense // categories × regulons
}

// NewTable returns a zero-filled table.
func NewTable(categories, regulons []string) *Table {
	return &Table{
		Categories: categories,
		Regulons:   regulons,
		Scores:     mat.NewDense(len(categories), len(regulons), nil),
	}
}

// ScoreRegulon returns the scores of one regulon's AUC column for
// each of the given categories.
func ScoreRegulon(auc []float64, labels, categories []string) []float64 {
	scores := make([]float64, len(categories))
	member := make([]bool, len(labels))
	for k, cat := range categories {
		for i, l := range labels {
			member[i] = l == cat
		}
		scores[k] = Score(auc, member)
	}
	return scores
}

// SetRegulon stores the scores of the j-th regulon.
func (t *Table) SetRegulon(j int, scores []float64) {
	t.Scores.SetCol(j, scores)
}

// CheckDims returns an error unless auc (cells × regulons) has one
// row per label and one column per regulon name.
func CheckDims(auc mat.Matrix, regulons, labels []string) error {
	cells, nreg := auc.Dims()
	if cells != len(labels) {
		return fmt.Errorf("rss: %d labels for %d cells", len(labels), cells)
	} else if nreg != len(regulons) {
		return fmt.Errorf("rss: %d regulon names for %d AUC columns", len(regulons), nreg)
	}
	return nil
}

// Ranked is a regulon name with its score.
type Ranked struct {
	Regulon string
	Score   float64
}

// Ranking returns all regulons ordered by descending score for the
// given category (ties broken by name), or false if the category is
// not in the table.
func (t *Table) Ranking(category string) ([]Ranked, bool) {
	k := -1
	for i, c := range t.Categories {
		if c == category {
			k = i
			break
		}
	}
	if k < 0 {
		return nil, false
	}
	ranked := make([]Ranked, len(t.Regulons))
	for j, name := range t.Regulons {
		ranked[j] = Ranked{Regulon: name, Score: t.Scores.At(k, j)}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].Score != ranked[b].Score {
			return ranked[a].Score > ranked[b].Score
		}
		return ranked[a].Regulon < ranked[b].Regulon
	})
	return ranked, true
}
