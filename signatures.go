// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// regulon is a transcription factor with its target genes.
type regulon struct {
	Name    string
	TF      string
	Genes   []string
	Weights []float64

	index map[string]int
}

// add adds a target gene, keeping the first-seen order and the
// highest weight.
func (r *regulon) add(gene string, weight float64) {
	if r.index == nil {
		r.index = map[string]int{}
	}
	if i, ok := r.index[gene]; ok {
		if weight > r.Weights[i] {
			r.Weights[i] = weight
		}
		return
	}
	r.index[gene] = len(r.Genes)
	r.Genes = append(r.Genes, gene)
	r.Weights = append(r.Weights, weight)
}

// loadSignatures reads regulons from a pyscenic ctx output table
// (.csv or .tsv) or a .gmt file. Regulons without any target genes
// are dropped. The result is sorted by name.
func loadSignatures(path string) ([]*regulon, error) {
	f, err := zopen(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	name := strings.TrimSuffix(path, ".gz")
	var regulons []*regulon
	switch {
	case strings.HasSuffix(name, ".gmt"):
		regulons, err = parseGMT(f)
	case strings.HasSuffix(name, ".tsv"):
		regulons, err = parseMotifTable(f, '\t')
	case strings.HasSuffix(name, ".csv"):
		regulons, err = parseMotifTable(f, ',')
	default:
		return nil, fmt.Errorf("%s: unsupported regulon file type (want .csv, .tsv, or .gmt)", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	kept := regulons[:0]
	for _, r := range regulons {
		if len(r.Genes) == 0 {
			log.Warnf("%s: dropping regulon %q with no target genes", path, r.Name)
			continue
		}
		kept = append(kept, r)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Name < kept[j].Name })
	log.Printf("%s: loaded %d regulons", path, len(kept))
	return kept, nil
}

func parseGMT(rdr io.Reader) ([]*regulon, error) {
	var regulons []*regulon
	byName := map[string]*regulon{}
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	for scanner.Scan() {
		fields := strings.Split(strings.TrimRight(scanner.Text(), "\r"), "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		r := byName[fields[0]]
		if r == nil {
			r = &regulon{Name: fields[0], TF: strings.SplitN(fields[0], "(", 2)[0]}
			byName[r.Name] = r
			regulons = append(regulons, r)
		}
		for _, gene := range fields[2:] {
			if gene != "" {
				r.add(gene, 1)
			}
		}
	}
	return regulons, scanner.Err()
}

var (
	targetGeneRe = regexp.MustCompile(`\(\s*(?:'([^']*)'|"([^"]*)")\s*,([^()]*(?:\([^()]*\))?[^()]*)\)`)
	numberRe     = regexp.MustCompile(`[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`)
)

// parseTargetGenes parses a python literal list of (gene, weight)
// tuples, e.g. "[('SOX2', 1.5), ('PAX6', np.float64(0.25))]".
func parseTargetGenes(literal string) ([]string, []float64, error) {
	var genes []string
	var weights []float64
	for _, m := range targetGeneRe.FindAllStringSubmatch(literal, -1) {
		gene := m[1]
		if gene == "" {
			gene = m[2]
		}
		num := m[3]
		if i := strings.IndexByte(num, '('); i >= 0 {
			// np.float64(0.25)
			num = strings.TrimSuffix(strings.TrimSpace(num[i+1:]), ")")
		}
		num = numberRe.FindString(num)
		w, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("target gene %q: bad weight %q", gene, strings.TrimSpace(m[3]))
		}
		genes = append(genes, gene)
		weights = append(weights, w)
	}
	if len(genes) == 0 && strings.Trim(literal, "[] ") != "" {
		return nil, nil, fmt.Errorf("cannot parse target genes %q", literal)
	}
	return genes, weights, nil
}

// parseMotifTable reads the enriched-motif table written by pyscenic
// ctx: header rows (one of which names the TargetGenes and Context
// columns), then one row per (TF, motif). Motifs are aggregated into
// one regulon per TF and mode, named "TF(+)" or "TF(-)".
func parseMotifTable(rdr io.Reader, sep rune) ([]*regulon, error) {
	cr := csv.NewReader(bufio.NewReader(rdr))
	cr.Comma = sep
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	colTargets, colContext, start := -1, -1, -1
	for i, rec := range records {
		if colTargets < 0 {
			colTargets = columnIndex(rec, "TargetGenes")
			colContext = columnIndex(rec, "Context")
			if colTargets >= 0 {
				start = i + 1
			}
			continue
		}
		if len(rec) > 0 && rec[0] == "TF" {
			start = i + 1
		}
		break
	}
	if colTargets < 0 {
		return nil, fmt.Errorf("%w: no TargetGenes column", ErrMissingAttribute)
	}

	var regulons []*regulon
	byName := map[string]*regulon{}
	for i, rec := range records[start:] {
		if len(rec) <= colTargets || rec[0] == "" {
			continue
		}
		mode := "+"
		if colContext >= 0 && colContext < len(rec) && strings.Contains(rec[colContext], "repressing") {
			mode = "-"
		}
		name := rec[0] + "(" + mode + ")"
		r := byName[name]
		if r == nil {
			r = &regulon{Name: name, TF: rec[0]}
			byName[name] = r
			regulons = append(regulons, r)
		}
		genes, weights, err := parseTargetGenes(rec[colTargets])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", start+i+1, err)
		}
		for j, gene := range genes {
			r.add(gene, weights[j])
		}
	}
	return regulons, nil
}
