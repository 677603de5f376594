package queue

import "fmt"

// Channel names accepted by Driver.Reload and Driver.Flush.
const (
	ChannelWaiting   = "waiting"
	ChannelDelayed   = "delayed"
	ChannelLeased    = "leased"
	ChannelCompleted = "completed"
	ChannelFailed    = "failed"
)

// ChannelConfig describes the key name of each channel in redis, plus the
// prefix of job hashes and the sequence counter.
type ChannelConfig struct {
	Waiting   string
	Delayed   string
	Leased    string
	Completed string
	Failed    string
	Jobs      string
	Sequence  string
}

// NewChannelConfig builds the key names under one hash tag, so that all keys
// of a queue land on the same redis cluster slot.
func NewChannelConfig(tag string) ChannelConfig {
	return ChannelConfig{
		Waiting:   fmt.Sprintf("{%s}:waiting", tag),
		Delayed:   fmt.Sprintf("{%s}:delayed", tag),
		Leased:    fmt.Sprintf("{%s}:leased", tag),
		Completed: fmt.Sprintf("{%s}:completed", tag),
		Failed:    fmt.Sprintf("{%s}:failed", tag),
		Jobs:      fmt.Sprintf("{%s}:job:", tag),
		Sequence:  fmt.Sprintf("{%s}:seq", tag),
	}
}

func (c ChannelConfig) byName(channel string) (string, bool) {
	switch channel {
	case ChannelWaiting:
		return c.Waiting, true
	case ChannelDelayed:
		return c.Delayed, true
	case ChannelLeased:
		return c.Leased, true
	case ChannelCompleted:
		return c.Completed, true
	case ChannelFailed:
		return c.Failed, true
	}
	return "", false
}
