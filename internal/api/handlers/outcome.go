package handlers

import (
	"log/slog"

	"boommelding/internal/notifications/email"
)

// FeatureResult is what happened to one feature of a batch.
type FeatureResult struct {
	Index          int
	FeatureID      string
	Classification string
	Matched        bool
	Receipt        email.Receipt
	Err            error
}

// Sent reports whether a matching feature was accepted by a mail backend.
func (r FeatureResult) Sent() bool {
	return r.Matched && r.Err == nil
}

// BatchOutcome collects the per-feature results of one request.
type BatchOutcome struct {
	Status        string
	Results       []FeatureResult
	FetchFailures int
}

// Counts returns matched, sent and failed feature totals.
func (o BatchOutcome) Counts() (matched, sent, failed int) {
	for _, r := range o.Results {
		if !r.Matched {
			continue
		}
		matched++
		if r.Sent() {
			sent++
		} else {
			failed++
		}
	}
	return matched, sent, failed
}

// LogValue renders the outcome as a single summary group.
func (o BatchOutcome) LogValue() slog.Value {
	matched, sent, failed := o.Counts()
	return slog.GroupValue(
		slog.String("status", o.Status),
		slog.Int("features", len(o.Results)),
		slog.Int("matched", matched),
		slog.Int("sent", sent),
		slog.Int("failed", failed),
		slog.Int("fetch_failures", o.FetchFailures),
	)
}
