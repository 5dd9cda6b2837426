// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"flag"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// cohortFilter selects the cells whose per-cell attribute has the
// given value.
type cohortFilter struct {
	Attribute string `yaml:"attribute"`
	Value     string `yaml:"value"`
}

func (f *cohortFilter) Flags(flags *flag.FlagSet) {
	flags.StringVar(&f.Attribute, "cohort-attribute", "", "select cells by per-cell `attribute` (e.g., donor; empty = all cells)")
	flags.StringVar(&f.Value, "cohort-value", "", "required `value` of -cohort-attribute (e.g., nst9)")
}

func (f *cohortFilter) String() string {
	if f.Attribute == "" {
		return "all cells"
	}
	return fmt.Sprintf("%s == %q", f.Attribute, f.Value)
}

// Apply returns the subset of ds selected by the filter.
func (f *cohortFilter) Apply(ds *dataset) (*dataset, error) {
	if f.Attribute == "" {
		return ds, nil
	}
	col, err := ds.obsColumn(f.Attribute)
	if err != nil {
		return nil, err
	}
	var keep []int
	for i, v := range col {
		if v == f.Value {
			keep = append(keep, i)
		}
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("%w: empty cohort: no cells with %s", ErrDataIntegrity, f)
	}
	log.Printf("cohort %s: %d of %d cells", f, len(keep), len(ds.cells))
	return ds.subset(keep), nil
}
