package engine

// RatingFunc folds one submitted score into a profile's reputation. The
// stored rating and the returned value are milli-stars; score is a whole
// star count already validated against the configured bounds. The scoring
// policy is deliberately pluggable: swap the Engine's Reputation field to
// change it.
type RatingFunc func(oldRating, count, score int64) int64

// RunningAverage is the default policy:
// new = (old*count + score*1000) / (count+1).
func RunningAverage(oldRating, count, score int64) int64 {
	return (oldRating*count + score*1000) / (count + 1)
}
