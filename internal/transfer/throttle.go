package transfer

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize bounds a single throttled write's token reservation,
// matching the teacher's 256KiB ceiling so a large chunk write does not
// request an unreasonably large burst from the limiter.
const maxBurstSize = 256 * 1024

// ThrottledWriter wraps an io.Writer with a token-bucket rate limit,
// used to pace the send pipeline to a configured bytes/sec ceiling
// (separately from — and beneath — the FlowGauge backpressure gate).
type ThrottledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledWriter wraps w with a rate limit of bytesPerSec. A
// non-positive bytesPerSec disables throttling and returns w unchanged.
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &ThrottledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write implements io.Writer, splitting writes larger than the burst
// size into pieces so tokens are consumed gradually rather than in one
// oversized reservation.
func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	totalWritten := 0

	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}

		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return totalWritten, err
		}

		n, err := tw.w.Write(p[:chunk])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}

		p = p[n:]
	}

	return totalWritten, nil
}

// SetLimit adjusts the throttle's rate at runtime. The send pipeline's
// adaptive tuning does not call it; the rate stays at the value given
// to NewThrottledWriter unless a caller changes it here.
func (tw *ThrottledWriter) SetLimit(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		return
	}
	tw.limiter.SetLimit(rate.Limit(bytesPerSec))
}
