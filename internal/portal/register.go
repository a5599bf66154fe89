package portal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/courtsync/internal/errs"
	"github.com/and161185/courtsync/internal/metrics"
	"github.com/and161185/courtsync/internal/model"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// errSessionDropped marks a rejection that cleared JSESSIONID; the next attempt starts a new session.
var errSessionDropped = errors.New("portal session dropped")

// withRetries runs attempt up to n times with a constant delay. Only errors
// wrapped with retry.RetryableError consume an attempt and continue; any other
// error stops immediately.
func withRetries[T any](ctx context.Context, n int, delay time.Duration, attempt func(ctx context.Context, i int) (T, error)) (T, error) {
	if n < 1 {
		n = 1
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	b := retry.WithMaxRetries(uint64(n-1), retry.NewConstant(delay))
	i := 0
	return retry.DoValue(ctx, b, func(ctx context.Context) (T, error) {
		i++
		return attempt(ctx, i)
	})
}

// Register obtains a case token by solving CAPTCHAs. Each attempt fetches a
// fresh challenge; unreadable images and portal rejections consume an attempt.
func (c *Client) Register(ctx context.Context, d model.CaseDescriptor) (string, error) {
	n := c.b.opts.RegisterAttempts
	token, err := withRetries(ctx, n, c.b.opts.RetryDelay, func(ctx context.Context, i int) (string, error) {
		log := c.b.log.With(zap.Int("attempt", i), zap.Int("of", n))

		ch, err := c.FetchCaptcha(ctx)
		if err != nil {
			if errors.Is(err, errs.ErrCircuitOpen) || errors.Is(err, errs.ErrIdentityExpired) || ctx.Err() != nil {
				return "", err
			}
			metrics.CaptchaAttempts.WithLabelValues("fetch_failed").Inc()
			log.Debug("captcha fetch failed", zap.Error(err))
			return "", retry.RetryableError(err)
		}

		res := c.b.solver.Solve(ctx, ch.Image)
		if !res.Success {
			metrics.CaptchaAttempts.WithLabelValues("unreadable").Inc()
			err := res.Err
			if err == nil {
				err = errs.ErrCaptchaUnreadable
			}
			log.Debug("captcha unreadable", zap.Error(err))
			return "", retry.RetryableError(err)
		}

		token, err := c.RegisterCase(ctx, d, res.Text, ch)
		switch {
		case err == nil:
			metrics.CaptchaAttempts.WithLabelValues("accepted").Inc()
			return token, nil
		case errors.Is(err, errs.ErrCaptchaRejected):
			metrics.CaptchaAttempts.WithLabelValues("rejected").Inc()
			log.Debug("captcha rejected", zap.Error(err))
			return "", retry.RetryableError(err)
		case errors.Is(err, errSessionDropped):
			return "", retry.RetryableError(err)
		}
		return "", err
	})
	if err != nil {
		return "", fmt.Errorf("register %s%s%s: %w", d.Year, d.TypeCode, d.Serial, err)
	}
	return token, nil
}
