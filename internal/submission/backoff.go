package submission

import "time"

// retrySchedule is the fixed backoff table, indexed by how many attempts
// have already failed. A failure past the end of the table is permanent.
var retrySchedule = []time.Duration{
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	6 * time.Hour,
}

// MaxAttempts is the total number of send attempts (first try plus every
// retry in the schedule) before a transient failure becomes permanent.
var MaxAttempts = len(retrySchedule) + 1

// NextAttempt returns when the next retry should run after failedAttempts
// attempts have failed (1-based), and false when the schedule is exhausted.
func NextAttempt(now time.Time, failedAttempts int) (time.Time, bool) {
	if failedAttempts < 1 || failedAttempts > len(retrySchedule) {
		return time.Time{}, false
	}
	return now.Add(retrySchedule[failedAttempts-1]), true
}
