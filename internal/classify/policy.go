package classify

import "time"

// Policy is the retry budget for one error kind. The refresh coordinator
// and the upload recovery job consume the same table so backoff behavior
// cannot drift between them.
type Policy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

var policies = map[Kind]Policy{
	KindTokenExpired:       {MaxAttempts: 3, Backoff: backoffSeconds(30, 60, 120)},
	KindAPIQuotaExceeded:   {MaxAttempts: 4, Backoff: backoffSeconds(60, 300, 900, 1800)},
	KindNetworkError:       {MaxAttempts: 5, Backoff: backoffSeconds(30, 60, 120, 300, 600)},
	KindServiceUnavailable: {MaxAttempts: 4, Backoff: backoffSeconds(60, 120, 300, 900)},
	KindTimeout:            {MaxAttempts: 5, Backoff: backoffSeconds(15, 30, 60, 120, 300)},
}

// nonRecoverablePolicy stops retries immediately.
var nonRecoverablePolicy = Policy{MaxAttempts: 1, Backoff: nil}

// PolicyFor returns the retry policy for a kind. Non-recoverable kinds
// get a single attempt and no backoff.
func PolicyFor(kind Kind) Policy {
	if p, ok := policies[kind]; ok && kind.Recoverable() {
		return p
	}
	return nonRecoverablePolicy
}

// BackoffFor returns the delay before the given attempt (1-based,
// counting the attempt about to be made). Past the end of the schedule
// the last entry repeats.
func BackoffFor(kind Kind, attempt int) time.Duration {
	p := PolicyFor(kind)
	if len(p.Backoff) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

func backoffSeconds(secs ...int) []time.Duration {
	out := make([]time.Duration, 0, len(secs))
	for _, s := range secs {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}
