// Package captcha turns portal CAPTCHA images into submittable answers.
package captcha

import (
	"context"
	"fmt"
	"strings"

	"github.com/and161185/courtsync/internal/archive"
	"github.com/and161185/courtsync/internal/errs"
	"go.uber.org/zap"
)

// DefaultLength is the number of digits the portal CAPTCHA contains.
const DefaultLength = 6

const (
	confidenceSolved = 0.98
	confidenceCapped = 0.3
)

// Recognition is the raw OCR output.
type Recognition struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Recognizer is the OCR backend.
type Recognizer interface {
	Recognize(ctx context.Context, png []byte) (Recognition, error)
}

// Result is the outcome of one solve. Text is only submittable when Success is true.
type Result struct {
	Text       string
	Confidence float64
	Success    bool
	Err        error
}

// Solver preprocesses an image, runs OCR and validates the answer shape.
type Solver struct {
	rec     Recognizer
	archive archive.Archiver
	length  int
	log     *zap.Logger
}

// NewSolver constructs a solver; a nil archiver discards unreadable images.
func NewSolver(rec Recognizer, arch archive.Archiver, log *zap.Logger) *Solver {
	if arch == nil {
		arch = archive.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Solver{rec: rec, archive: arch, length: DefaultLength, log: log}
}

// Solve never returns an error value; OCR failures are folded into Result.Err.
func (s *Solver) Solve(ctx context.Context, image []byte) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("%w: recognizer panic: %v", errs.ErrCaptchaUnreadable, r)}
		}
	}()

	png, err := Preprocess(image)
	if err != nil {
		s.log.Debug("captcha preprocess failed, sending raw image", zap.Error(err))
		png = image
	}

	rec, err := s.rec.Recognize(ctx, png)
	if err != nil {
		return Result{Err: fmt.Errorf("%w: %v", errs.ErrCaptchaUnreadable, err)}
	}

	res = s.postprocess(rec)
	if !res.Success {
		if aerr := s.archive.Store(ctx, png, rec.Text); aerr != nil {
			s.log.Warn("captcha archive failed", zap.Error(aerr))
		}
	}
	return res
}

func (s *Solver) postprocess(rec Recognition) Result {
	digits := digitsOnly(rec.Text)
	exact := len(digits) == s.length
	if len(digits) > s.length {
		digits = digits[:s.length]
	}
	if exact {
		return Result{Text: digits, Confidence: max(rec.Confidence, confidenceSolved), Success: true}
	}
	return Result{
		Text:       digits,
		Confidence: min(rec.Confidence, confidenceCapped),
		Err:        fmt.Errorf("%w: got %d digits from %q", errs.ErrCaptchaUnreadable, len(digitsOnly(rec.Text)), rec.Text),
	}
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
