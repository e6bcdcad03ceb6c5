// Package enhance wraps the optional AI enhancement service. Every step is
// best effort: a failed step is logged and the previous image is kept.
package enhance

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"mapwall/internal/apperr"
	"mapwall/internal/catalog"
	"mapwall/internal/metrics"
	"mapwall/internal/models"
	"mapwall/internal/telemetry"
	"mapwall/internal/transform"
)

const (
	StepStyle   = "style"
	StepUpscale = "upscale"

	DefaultNegativePrompt = "blurry, low quality, distorted, text, watermark, logo, signature, jpeg artifacts, deformed streets"
)

// Predictor runs one hosted model and returns the produced image bytes.
type Predictor interface {
	Predict(ctx context.Context, model string, input map[string]any) ([]byte, error)
}

type Options struct {
	StyleModel     string
	UpscaleModel   string
	NegativePrompt string
	// StyleStrength is how far the style step may move away from the input.
	StyleStrength float64
}

func (o *Options) applyDefaults() {
	if o.StyleModel == "" {
		o.StyleModel = "stability-ai/sdxl"
	}
	if o.UpscaleModel == "" {
		o.UpscaleModel = "nightmareai/real-esrgan"
	}
	if o.NegativePrompt == "" {
		o.NegativePrompt = DefaultNegativePrompt
	}
	if o.StyleStrength <= 0 {
		o.StyleStrength = 0.35
	}
}

type Input struct {
	JobID  string
	Device string
	// Image is the PNG produced by the transform stage.
	Image  []byte
	Width  int
	Height int
	// SourceURL, when set, is a fetchable copy of Image and is sent instead
	// of inlining the bytes.
	SourceURL string
	Theme     catalog.Theme
	Options   models.AIOptions
}

type Result struct {
	Image  []byte
	Width  int
	Height int
	Styled bool
	// Upscale is the factor actually applied, 1 when none was.
	Upscale  int
	Failures []error
}

type Enhancer struct {
	predictor Predictor
	opts      Options
	logger    zerolog.Logger
}

// New returns an enhancer. A nil predictor makes it unavailable.
func New(predictor Predictor, opts Options, logger zerolog.Logger) *Enhancer {
	opts.applyDefaults()
	return &Enhancer{
		predictor: predictor,
		opts:      opts,
		logger:    logger.With().Str("component", "enhance").Logger(),
	}
}

// Available is false when no service credential is configured.
func (e *Enhancer) Available() bool {
	return e != nil && e.predictor != nil
}

// Wants reports whether opts request any enhancement step.
func Wants(opts models.AIOptions) bool {
	return opts.Enabled && (opts.StyleEnhance || ValidUpscale(opts.Upscale))
}

func ValidUpscale(factor int) bool {
	return factor == 2 || factor == 4
}

// Enhance runs style enhancement and then upscaling as requested. It never
// fails: the result carries the last good image and its real dimensions.
func (e *Enhancer) Enhance(ctx context.Context, in Input) Result {
	res := Result{Image: in.Image, Width: in.Width, Height: in.Height, Upscale: 1}
	if !e.Available() || !Wants(in.Options) {
		return res
	}

	ctx, span := telemetry.Tracer("enhance").Start(ctx, "enhance.image")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", in.JobID), attribute.String("device", in.Device))

	logger := e.logger.With().Str("job_id", in.JobID).Str("device", in.Device).Logger()
	source := in.SourceURL

	if in.Options.StyleEnhance {
		out, err := e.step(ctx, StepStyle, e.opts.StyleModel, map[string]any{
			"image":           e.imageRef(res.Image, source),
			"prompt":          in.Theme.EnhancePrompt(),
			"negative_prompt": e.opts.NegativePrompt,
			"prompt_strength": e.opts.StyleStrength,
			"width":           res.Width,
			"height":          res.Height,
		}, res.Width, res.Height)
		if err != nil {
			res.Failures = append(res.Failures, e.fail(logger, StepStyle, err))
		} else {
			res.Image = out
			res.Styled = true
			source = ""
		}
	}

	if factor := in.Options.Upscale; ValidUpscale(factor) {
		out, err := e.step(ctx, StepUpscale, e.opts.UpscaleModel, map[string]any{
			"image": e.imageRef(res.Image, source),
			"scale": factor,
		}, res.Width*factor, res.Height*factor)
		if err != nil {
			res.Failures = append(res.Failures, e.fail(logger, StepUpscale, err))
		} else {
			res.Image = out
			res.Width *= factor
			res.Height *= factor
			res.Upscale = factor
		}
	}

	span.SetAttributes(attribute.Bool("styled", res.Styled), attribute.Int("upscale", res.Upscale))
	return res
}

// step calls the service and checks the output has the expected size.
func (e *Enhancer) step(ctx context.Context, name, model string, input map[string]any, wantW, wantH int) ([]byte, error) {
	out, err := e.predictor.Predict(ctx, model, input)
	if err != nil {
		return nil, err
	}
	w, h, err := transform.Dimensions(out)
	if err != nil {
		return nil, err
	}
	if w != wantW || h != wantH {
		return nil, fmt.Errorf("%s output is %dx%d, want %dx%d", name, w, h, wantW, wantH)
	}
	// Normalize to PNG so every stored artifact has the same format.
	img, err := transform.Decode(out)
	if err != nil {
		return nil, err
	}
	return transform.Encode(img)
}

func (e *Enhancer) imageRef(data []byte, url string) string {
	if url != "" {
		return url
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}

func (e *Enhancer) fail(logger zerolog.Logger, step string, err error) error {
	failure := &apperr.EnhancementFailure{Step: step, Err: err}
	metrics.EnhancementFailures.WithLabelValues(step).Inc()
	logger.Warn().Err(failure).Msg("enhancement step skipped")
	return failure
}
