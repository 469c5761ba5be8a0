package executor

import (
	"container/heap"
	"time"
)

// jobQueue is a priority queue ordered by priority (higher first), then
// scheduled_for (earlier first). Not safe for concurrent use; the executor's
// dispatch loop owns it.
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].ScheduledFor.Before(q[j].ScheduledFor)
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x interface{}) { *q = append(*q, x.(*Job)) }

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return job
}

// popReady removes and returns the best job that is due at now and whose rule
// is not already in flight. Returns nil when nothing qualifies.
func (q *jobQueue) popReady(now time.Time, busy map[int64]bool) *Job {
	// The heap top may be blocked on its rule or not yet due; scan a copy of
	// the order by popping and re-pushing the skipped ones.
	var skipped []*Job
	var picked *Job
	for q.Len() > 0 {
		job := heap.Pop(q).(*Job)
		if job.ScheduledFor.After(now) || (job.RuleKey != 0 && busy[job.RuleKey]) {
			skipped = append(skipped, job)
			continue
		}
		picked = job
		break
	}
	for _, job := range skipped {
		heap.Push(q, job)
	}
	return picked
}

func pushJob(q *jobQueue, job *Job) {
	heap.Push(q, job)
}

// nextDue returns the earliest scheduled_for among queued jobs, or zero.
func (q jobQueue) nextDue() time.Time {
	var t time.Time
	for _, job := range q {
		if t.IsZero() || job.ScheduledFor.Before(t) {
			t = job.ScheduledFor
		}
	}
	return t
}
