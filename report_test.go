// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package grnflow

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/check.v1"
)

type reportSuite struct {
	tmpdir      string
	annotations string
	rss         string
}

var _ = check.Suite(&reportSuite{})

func (s *reportSuite) SetUpTest(c *check.C) {
	s.tmpdir = c.MkDir()
	s.annotations = filepath.Join(s.tmpdir, cellAnnotFilename)
	s.rss = filepath.Join(s.tmpdir, rssFilename)
	c.Assert(os.WriteFile(s.annotations, []byte(",cell_type\nc1,T cell\nc2,B cell\nc3,NK\nc4,T cell\n"), 0644), check.IsNil)
	c.Assert(os.WriteFile(s.rss, []byte(`,R1,R2,R3,R4,R5
B cell,0.5,0.25,0.2,0.21,0.1
NK,0.3,0.3,0.3,0.3,0.3
T cell,0.1,0.6,0.45,0.44,0.2
`), 0644), check.IsNil)
}

func (s *reportSuite) opts(output string) reportOptions {
	return reportOptions{
		Annotations: s.annotations,
		RSS:         s.rss,
		Output:      filepath.Join(s.tmpdir, output),
		TopN:        3,
		DPI:         20,
		Columns:     2,
	}
}

func (s *reportSuite) TestRender(c *check.C) {
	for _, fnm := range []string{"rss.png", "rss.svg", "rss.pdf"} {
		opts := s.opts(fnm)
		c.Assert(renderRSS(opts), check.IsNil)
		fi, err := os.Stat(opts.Output)
		c.Assert(err, check.IsNil)
		c.Check(fi.Size() > 0, check.Equals, true, check.Commentf("%s", fnm))
	}
	buf, err := os.ReadFile(filepath.Join(s.tmpdir, "rss.png"))
	c.Assert(err, check.IsNil)
	c.Check(bytes.HasPrefix(buf, []byte("\x89PNG")), check.Equals, true)
}

func (s *reportSuite) pngSize(c *check.C, path string) (int, int) {
	f, err := os.Open(path)
	c.Assert(err, check.IsNil)
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	c.Assert(err, check.IsNil)
	c.Check(format, check.Equals, "png")
	return cfg.Width, cfg.Height
}

func (s *reportSuite) TestFigureSize(c *check.C) {
	opts := s.opts("rss.png")
	c.Assert(renderRSS(opts), check.IsNil)
	w, h := s.pngSize(c, opts.Output)
	// 2×2 panels of 3×4in plus a 0.4in margin, at 20 dpi
	c.Check(w >= 127 && w <= 129, check.Equals, true, check.Commentf("width %d", w))
	c.Check(h >= 167 && h <= 169, check.Equals, true, check.Commentf("height %d", h))

	annot := []string{",cell_type"}
	rssRows := []string{",R1,R2,R3"}
	for i := 0; i < 30; i++ {
		annot = append(annot, fmt.Sprintf("c%d,type%02d", i, i))
		rssRows = append(rssRows, fmt.Sprintf("type%02d,0.%d,0.5,0.2", i, i%10))
	}
	c.Assert(os.WriteFile(s.annotations, []byte(strings.Join(annot, "\n")+"\n"), 0644), check.IsNil)
	c.Assert(os.WriteFile(s.rss, []byte(strings.Join(rssRows, "\n")+"\n"), 0644), check.IsNil)
	for _, columns := range []int{5, 10} {
		opts.Columns = columns
		c.Assert(renderRSS(opts), check.IsNil)
		w, h = s.pngSize(c, opts.Output)
		c.Check(w <= 309, check.Equals, true, check.Commentf("columns %d width %d", columns, w))
		c.Check(h <= 169, check.Equals, true, check.Commentf("columns %d height %d", columns, h))
	}
}

func (s *reportSuite) TestTopNExceedsRegulons(c *check.C) {
	opts := s.opts("rss.png")
	opts.TopN = 10
	c.Check(renderRSS(opts), check.IsNil)
}

func (s *reportSuite) TestMissingCategory(c *check.C) {
	c.Assert(os.WriteFile(s.annotations, []byte(",cell_type\nc1,T cell\nc2,Monocyte\n"), 0644), check.IsNil)
	err := renderRSS(s.opts("rss.png"))
	c.Check(errors.Is(err, ErrDataIntegrity), check.Equals, true)
	_, err = os.Stat(filepath.Join(s.tmpdir, "rss.png"))
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *reportSuite) TestUnsupportedFormat(c *check.C) {
	c.Check(renderRSS(s.opts("rss.bmp")), check.ErrorMatches, `.*unsupported output format "bmp"`)
}

func (s *reportSuite) TestCommand(c *check.C) {
	var stderr bytes.Buffer
	out := filepath.Join(s.tmpdir, "cmd.png")
	code := (&plotRSS{}).RunCommand("grnflow plot-rss", []string{
		"-annotations", s.annotations,
		"-rss", s.rss,
		"-o", out,
		"-dpi", "20",
	}, nil, &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	code = (&plotRSS{}).RunCommand("grnflow plot-rss", []string{"-columns", "0"}, nil, &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 2)
}

func (s *reportSuite) TestSpreadLabels(c *check.C) {
	in := []float64{1.0, 0.99, 0.98, 0.5}
	out := spreadLabels(in, 0.05)
	c.Check(in, check.DeepEquals, []float64{1.0, 0.99, 0.98, 0.5})
	c.Assert(out, check.HasLen, 4)
	for i := 1; i < len(out); i++ {
		c.Check(out[i-1]-out[i] >= 0.05-1e-9, check.Equals, true, check.Commentf("%v", out))
	}
	var sumIn, sumOut float64
	for i := range in {
		sumIn += in[i]
		sumOut += out[i]
	}
	c.Check(sumOut-sumIn < 1e-9 && sumIn-sumOut < 1e-9, check.Equals, true)

	c.Check(spreadLabels([]float64{0.3}, 0.05), check.DeepEquals, []float64{0.3})
	c.Check(spreadLabels(nil, 0.05), check.HasLen, 0)
}
