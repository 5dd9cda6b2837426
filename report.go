// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"errors"
	"flag"
	"fmt"
	"image/color"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/arvados/grnflow/rss"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

type reportOptions struct {
	Annotations string
	RSS         string
	Output      string
	TopN        int
	DPI         int
	Columns     int
}

var (
	panelWidth  = 3 * vg.Inch
	panelHeight = 4 * vg.Inch
	labelMargin = 0.4 * vg.Inch

	// Panels shrink so the grid fits in this area.
	maxGridWidth  = 15 * vg.Inch
	maxGridHeight = 8 * vg.Inch

	highlightColor = color.RGBA{R: 255, A: 255}
	pointColor     = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	leaderColor    = color.RGBA{R: 211, G: 211, B: 211, A: 255}
)

type plotRSS struct{}

func (cmd *plotRSS) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return exitCode(err)
	}
	return 0
}

func (cmd *plotRSS) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var opts reportOptions
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&opts.Annotations, "annotations", cellAnnotFilename, "cell annotation `file` (output of results)")
	flags.StringVar(&opts.RSS, "rss", rssFilename, "regulon specificity score `file` (output of results)")
	flags.StringVar(&opts.Output, "o", "rss.png", "output `file` (.png, .jpg, .tif, .svg, .pdf, or .eps)")
	flags.IntVar(&opts.TopN, "top-n", 5, "label the top `N` regulons in each panel")
	flags.IntVar(&opts.DPI, "dpi", 600, "raster output resolution")
	flags.IntVar(&opts.Columns, "columns", 5, "maximum panels per row")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return usageError{err}
	} else if flags.NArg() > 0 {
		return usageError{fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())}
	} else if opts.TopN < 0 || opts.DPI < 1 || opts.Columns < 1 {
		return usageError{errors.New("-top-n must be >= 0, -dpi and -columns must be >= 1")}
	}
	return renderRSS(opts)
}

// readAnnotationCategories returns the sorted distinct values of the
// cell_type column of a cellAnnot.csv file.
func readAnnotationCategories(path string) ([]string, error) {
	header, rows, err := readCSVFile(path)
	if err != nil {
		return nil, err
	}
	col := columnIndex(header, cellTypeColumn)
	if col < 0 {
		return nil, fmt.Errorf("%s: %w: no %q column", path, ErrMissingAttribute, cellTypeColumn)
	}
	labels := make([]string, len(rows))
	for i, row := range rows {
		labels[i] = row[col]
	}
	return rss.Categories(labels), nil
}

// readRSSTable reads an RSS.csv file (categories × regulons).
func readRSSTable(path string) (*rss.Table, error) {
	header, rows, err := readCSVFile(path)
	if err != nil {
		return nil, err
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("%s: %w: no regulon columns", path, ErrDataIntegrity)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: %w: no category rows", path, ErrDataIntegrity)
	}
	t := rss.NewTable(make([]string, len(rows)), header[1:])
	for i, row := range rows {
		t.Categories[i] = row[0]
		for j, s := range row[1:] {
			if s == "" {
				t.Scores.Set(i, j, math.NaN())
				continue
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: row %d: %w", path, i+2, err)
			}
			t.Scores.Set(i, j, v)
		}
	}
	return t, nil
}

// spreadLabels returns label positions close to ys (which must be in
// descending order) such that consecutive labels are at least minGap
// apart. Labels are pushed downward, then the whole group is shifted
// back up so it stays centered on the requested positions.
func spreadLabels(ys []float64, minGap float64) []float64 {
	out := append([]float64(nil), ys...)
	if len(out) < 2 {
		return out
	}
	for i := 1; i < len(out); i++ {
		if out[i-1]-out[i] < minGap {
			out[i] = out[i-1] - minGap
		}
	}
	var shift float64
	for i := range out {
		shift += ys[i] - out[i]
	}
	shift /= float64(len(out))
	for i := range out {
		out[i] += shift
	}
	return out
}

func rssPanel(category string, ranked []rss.Ranked, topN int) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = category
	p.HideX()

	all := make(plotter.XYs, len(ranked))
	for i, r := range ranked {
		all[i].X = float64(i + 1)
		all[i].Y = r.Score
	}
	if topN > len(ranked) {
		topN = len(ranked)
	}

	ymin, ymax := math.Inf(1), math.Inf(-1)
	for _, xy := range all {
		if math.IsNaN(xy.Y) {
			continue
		}
		ymin = math.Min(ymin, xy.Y)
		ymax = math.Max(ymax, xy.Y)
	}
	if math.IsInf(ymin, 0) {
		ymin, ymax = 0, 1
	}
	pad := (ymax - ymin) * 0.05
	if pad == 0 {
		pad = 0.01
	}
	p.Y.Min, p.Y.Max = ymin-pad, ymax+pad
	p.X.Min, p.X.Max = 0, float64(len(ranked))*1.3+1

	if len(all) > topN {
		rest, err := plotter.NewScatter(all[topN:])
		if err != nil {
			return nil, err
		}
		rest.GlyphStyle.Color = pointColor
		rest.GlyphStyle.Radius = vg.Points(1.5)
		p.Add(rest)
	}
	if topN == 0 {
		return p, nil
	}

	top := all[:topN]
	ys := make([]float64, topN)
	for i, xy := range top {
		ys[i] = xy.Y
	}
	labelYs := spreadLabels(ys, (p.Y.Max-p.Y.Min)*0.06)
	labelX := float64(topN) + float64(len(ranked))*0.1 + 1
	labels := plotter.XYLabels{XYs: make(plotter.XYs, topN), Labels: make([]string, topN)}
	for i, xy := range top {
		leader, err := plotter.NewLine(plotter.XYs{xy, {X: labelX, Y: labelYs[i]}})
		if err != nil {
			return nil, err
		}
		leader.LineStyle.Color = leaderColor
		leader.LineStyle.Width = vg.Points(0.5)
		p.Add(leader)
		labels.XYs[i] = plotter.XY{X: labelX, Y: labelYs[i]}
		labels.Labels[i] = ranked[i].Regulon
	}
	highlight, err := plotter.NewScatter(top)
	if err != nil {
		return nil, err
	}
	highlight.GlyphStyle.Color = highlightColor
	highlight.GlyphStyle.Radius = vg.Points(2)
	p.Add(highlight)

	lbl, err := plotter.NewLabels(labels)
	if err != nil {
		return nil, err
	}
	for i := range lbl.TextStyle {
		lbl.TextStyle[i].YAlign = draw.YCenter
		lbl.TextStyle[i].Font.Size = vg.Points(8)
	}
	lbl.Offset = vg.Point{X: vg.Points(2)}
	p.Add(lbl)
	return p, nil
}

func renderRSS(opts reportOptions) error {
	categories, err := readAnnotationCategories(opts.Annotations)
	if err != nil {
		return err
	}
	if len(categories) == 0 {
		return fmt.Errorf("%s: %w: no annotated cells", opts.Annotations, ErrDataIntegrity)
	}
	table, err := readRSSTable(opts.RSS)
	if err != nil {
		return err
	}

	cols := opts.Columns
	if cols > len(categories) {
		cols = len(categories)
	}
	rows := (len(categories) + cols - 1) / cols
	plots := make([][]*plot.Plot, rows)
	for r := range plots {
		plots[r] = make([]*plot.Plot, cols)
	}
	for i, cat := range categories {
		ranked, ok := table.Ranking(cat)
		if !ok {
			return fmt.Errorf("%w: category %q from %s has no row in %s", ErrDataIntegrity, cat, opts.Annotations, opts.RSS)
		}
		p, err := rssPanel(cat, ranked, opts.TopN)
		if err != nil {
			return err
		}
		plots[i/cols][i%cols] = p
	}

	pw, ph := panelWidth, panelHeight
	if limit := maxGridWidth / vg.Length(cols); pw > limit {
		pw = limit
	}
	if limit := maxGridHeight / vg.Length(rows); ph > limit {
		ph = limit
	}
	w := pw*vg.Length(cols) + labelMargin
	h := ph*vg.Length(rows) + labelMargin
	format := strings.ToLower(strings.TrimPrefix(filepath.Ext(opts.Output), "."))
	var cw vg.CanvasWriterTo
	switch format {
	case "png", "jpg", "jpeg", "tif", "tiff":
		img := vgimg.NewWith(vgimg.UseWH(w, h), vgimg.UseDPI(opts.DPI))
		switch format {
		case "png":
			cw = vgimg.PngCanvas{Canvas: img}
		case "tif", "tiff":
			cw = vgimg.TiffCanvas{Canvas: img}
		default:
			cw = vgimg.JpegCanvas{Canvas: img}
		}
	case "svg", "pdf", "eps":
		cw, err = draw.NewFormattedCanvas(w, h, format)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("%s: unsupported output format %q", opts.Output, format)
	}

	dc := draw.New(cw)
	sty := plot.New().X.Label.TextStyle
	sty.XAlign = draw.XCenter
	sty.YAlign = draw.YCenter
	dc.FillText(sty, vg.Point{X: labelMargin + (w-labelMargin)/2, Y: labelMargin / 2}, "Regulon")
	sty.Rotation = math.Pi / 2
	dc.FillText(sty, vg.Point{X: labelMargin / 2, Y: labelMargin + (h-labelMargin)/2}, "Regulon specificity score (RSS)")

	grid := draw.Crop(dc, labelMargin, 0, labelMargin, 0)
	tiles := draw.Tiles{
		Rows:      rows,
		Cols:      cols,
		PadX:      vg.Millimeter * 2,
		PadY:      vg.Millimeter * 2,
		PadTop:    vg.Millimeter * 2,
		PadBottom: vg.Millimeter * 2,
		PadLeft:   vg.Millimeter * 2,
		PadRight:  vg.Millimeter * 2,
	}
	for r := range plots {
		for c, p := range plots[r] {
			if p != nil {
				p.Draw(tiles.At(grid, c, r))
			}
		}
	}

	log.Printf("writing %s (%d panels)", opts.Output, len(categories))
	return writeFileAtomic(opts.Output, func(out io.Writer) error {
		_, err := cw.WriteTo(out)
		return err
	})
}
