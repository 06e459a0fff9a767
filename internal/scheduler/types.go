// Package scheduler implements the scheduled billing jobs: the grace-period
// sweep, the deferred-downgrade applier, and the usage ledger retention prune.
//
// Every job is exposed through the Dispatcher, which serializes execution
// behind a distributed lock and records run history. The same Dispatcher
// backs both trigger paths: the authenticated HTTP endpoint under
// /internal/jobs and the billing-jobs Lambda invoked by EventBridge.
package scheduler

import (
	"time"

	"leadscout/internal/types"
)

// JobPayload is the JSON payload EventBridge rules send to the billing-jobs
// Lambda. It identifies the task to execute and optionally overrides the
// reference time for manual invocation or backfilling.
//
//	{
//	  "task": "sweep-grace",
//	  "reference_time": "2026-08-28T03:00:00Z"  // optional
//	}
type JobPayload struct {
	Task types.JobTask `json:"task"`
	// ReferenceTime allows manual invocations to pin "now" for deterministic
	// replays. If nil, the dispatcher's clock is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
