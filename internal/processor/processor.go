// Package processor turns a source image file into a restored image plus
// quality metrics by running it through a pipeline.
package processor

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/kiranshivaraju/relaize/internal/imageutil"
	"github.com/kiranshivaraju/relaize/internal/pipeline"
	"github.com/kiranshivaraju/relaize/internal/quality"
	"github.com/kiranshivaraju/relaize/pkg/models"
)

// PipelineRunner runs a pipeline. *pipeline.Runner implements it.
type PipelineRunner interface {
	Run(ctx context.Context, img *image.NRGBA, adj *models.Adjustments) (*pipeline.Result, error)
}

// Outcome describes a finished enhancement. Pipeline is set even when the
// run failed part way.
type Outcome struct {
	Metrics  models.Metrics
	Pipeline *models.PipelineSummary
	Width    int
	Height   int
}

// Preview is an in-memory enhancement result returned to the caller inline.
type Preview struct {
	Image    string                  `json:"image"`
	Width    int                     `json:"width"`
	Height   int                     `json:"height"`
	Metrics  models.Metrics          `json:"metrics"`
	Pipeline *models.PipelineSummary `json:"pipeline"`
}

type Processor struct {
	runner PipelineRunner
}

func New(runner PipelineRunner) *Processor {
	return &Processor{runner: runner}
}

// Enhance restores the image at src and writes the result to dst.
func (p *Processor) Enhance(ctx context.Context, src, dst string, adj *models.Adjustments) (*Outcome, error) {
	original, err := imageutil.Open(src)
	if err != nil {
		return nil, err
	}
	out, res, err := p.run(ctx, original, adj)
	if err != nil {
		return out, err
	}
	if err := imageutil.Save(res.Image, dst); err != nil {
		return out, fmt.Errorf("writing output: %w", err)
	}
	return out, nil
}

// Preview runs the pipeline on the image at src without persisting anything
// and returns the result as a JPEG data URL.
func (p *Processor) Preview(ctx context.Context, src string, adj *models.Adjustments) (*Preview, error) {
	original, err := imageutil.Open(src)
	if err != nil {
		return nil, err
	}
	out, res, err := p.run(ctx, original, adj)
	if err != nil {
		return nil, err
	}
	data, err := imageutil.EncodeDataURL(res.Image, imaging.JPEG)
	if err != nil {
		return nil, err
	}
	return &Preview{
		Image:    data,
		Width:    out.Width,
		Height:   out.Height,
		Metrics:  out.Metrics,
		Pipeline: out.Pipeline,
	}, nil
}

func (p *Processor) run(ctx context.Context, original *image.NRGBA, adj *models.Adjustments) (*Outcome, *pipeline.Result, error) {
	res, err := p.runner.Run(ctx, original, adj)
	if err != nil {
		if res != nil {
			summary := res.Summary
			return &Outcome{Pipeline: &summary}, nil, err
		}
		return nil, nil, err
	}
	summary := res.Summary
	b := res.Image.Bounds()
	return &Outcome{
		Metrics:  quality.Compare(original, res.Image),
		Pipeline: &summary,
		Width:    b.Dx(),
		Height:   b.Dy(),
	}, res, nil
}
