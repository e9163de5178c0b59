// Package metrics records worker client activity.
package metrics

import "time"

// Collector receives worker client events. Implementations must be safe for
// concurrent use and must not block.
type Collector interface {
	TasksFetched(topic string, n int)
	FetchFailed(topic string)
	WorkerStarted(topic string)
	// WorkerFinished is called once per task with its final outcome
	// ("completed", "failed", "lock_lost", "abandoned").
	WorkerFinished(topic, outcome string, elapsed time.Duration)
	// LockExtended records one renewal attempt sequence; result is "ok" or
	// "lost".
	LockExtended(topic, result string)
	// ReportDropped records a complete or fail report that could not be
	// delivered.
	ReportDropped(topic, kind string)
}

// Nop discards everything.
type Nop struct{}

var _ Collector = Nop{}

func (Nop) TasksFetched(string, int) {}
func (Nop) FetchFailed(string) {}
func (Nop) WorkerStarted(string) {}
func (Nop) WorkerFinished(string, string, time.Duration) {}
func (Nop) LockExtended(string, string) {}
func (Nop) ReportDropped(string, string) {}
