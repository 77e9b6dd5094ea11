package morph

import "log"

// Superimpose runs generalized Procrustes analysis over the given point sets:
// all sets are iteratively aligned to their evolving mean shape until the mean
// stabilizes or opts.MaxIterations is reached.
//
// Each iteration re-aligns the ORIGINAL sets to the current mean, so per-set
// error never accumulates across iterations. Reflections are never allowed
// during superimposition. A set that fails to align in some iteration keeps
// its previous aligned coordinates; the failure is logged and the analysis
// continues.
//
// Hitting the iteration cap without convergence is not an error: the result
// carries Converged=false and the best mean reached.
//
// With AllowScale the mean itself is never rescaled between iterations, so
// on noisy sets the per-set scale estimates shrink the mean a little each
// pass and the delta can plateau above a tight tolerance; such runs exhaust
// the cap with Converged=false. Disable scaling when strict convergence on
// noisy data matters.
func Superimpose(sets []PointSet, opts GPAOptions) (GPAResult, error) {
	if len(sets) < 2 {
		return GPAResult{}, ErrInsufficientSets
	}
	n := len(sets[0])
	for _, s := range sets[1:] {
		if len(s) != n {
			return GPAResult{}, ErrShapeMismatch
		}
	}
	if n < 3 {
		return GPAResult{}, ErrInsufficientPoints
	}

	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultGPAOptions().MaxIterations
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultGPAOptions().Tolerance
	}

	aligned := make([]PointSet, len(sets))
	for i, s := range sets {
		aligned[i] = s.Clone()
	}
	mean := MeanShape(aligned)

	alignOpts := AlignOptions{AllowScale: opts.AllowScale, AllowReflection: false}

	result := GPAResult{Aligned: aligned, MeanShape: mean}
	for iter := 0; iter < opts.MaxIterations; iter++ {
		result.Iterations = iter + 1

		for i, s := range sets {
			res, err := Align(mean, s, alignOpts)
			if err != nil {
				log.Printf("[GPA] iteration %d: set %d failed to align: %v", iter+1, i, err)
				continue
			}
			aligned[i] = res.Transform.ApplyAll(s)
		}

		newMean := MeanShape(aligned)
		delta := maxComponentDelta(mean, newMean)
		mean = newMean
		if delta < opts.Tolerance {
			result.Converged = true
			break
		}
	}

	result.MeanShape = mean
	return result, nil
}
