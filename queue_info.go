package queue

// QueueInfo describes the state of queues.
type QueueInfo struct {
	// Waiting is the number of pending jobs eligible now.
	Waiting int64
	// Delayed is the number of pending jobs with EligibleAt in the future.
	Delayed int64
	// Leased is the number of jobs held by worker slots.
	Leased int64
	// Completed is the retained completed history.
	Completed int64
	// Failed is the retained failed history.
	Failed int64
}
