package protocol

import (
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// ErrViolationBudgetExceeded is returned once a peer has sent more bad messages than tolerated.
var ErrViolationBudgetExceeded = eris.New("protocol violation budget exceeded")

// ViolationBudget counts protocol violations against a token bucket. An occasional malformed
// message is dropped, a steady stream ends the connection.
type ViolationBudget struct {
	limiter *rate.Limiter
	count   int
}

// NewViolationBudget tolerates perSecond violations on average with bursts of up to burst.
func NewViolationBudget(perSecond float64, burst int) *ViolationBudget {
	return &ViolationBudget{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Record counts one violation at now. It fails when the budget is exhausted.
func (b *ViolationBudget) Record(now time.Time) error {
	b.count++
	if !b.limiter.AllowN(now, 1) {
		return eris.Wrapf(ErrViolationBudgetExceeded, "%d violations", b.count)
	}
	return nil
}

// Count returns the number of violations recorded.
func (b *ViolationBudget) Count() int {
	return b.count
}
