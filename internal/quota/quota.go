// Package quota estimates how much storage the host grants depot.
package quota

import "context"

// Estimate is a best-effort view of storage use and capacity in bytes. Zero
// means unknown.
type Estimate struct {
	Usage int64
	Quota int64
}

// Estimator reports the current Estimate.
type Estimator interface {
	Estimate(ctx context.Context) (Estimate, error)
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(ctx context.Context) (Estimate, error)

func (f EstimatorFunc) Estimate(ctx context.Context) (Estimate, error) {
	return f(ctx)
}

// Fixed reports a constant quota, as for engines with a configured byte cap.
type Fixed int64

func (f Fixed) Estimate(context.Context) (Estimate, error) {
	return Estimate{Quota: int64(f)}, nil
}
