package queue

import (
	"context"
	"fmt"
	"reflect"
)

// Job is the unit of work carried by the queue. Type routes the job to its
// Handler and Data is the payload that gets encoded by the codec.
type Job interface {
	Type() string
	Data() interface{}
}

// Handler processes jobs of one type.
type Handler interface {
	// Listen should return a Job instance with zero value. It tells the queue what type of job this handler is expecting.
	Listen() Job
	// Process will be called when a job is leased from the store. A nil return
	// completes the job, anything else is subject to the RetryPolicy.
	Process(ctx context.Context, job Job) error
}

type reflectionJob struct {
	body interface{}
}

func (e reflectionJob) Data() interface{} {
	return e.body
}

// Type is the fully qualified name of the payload type.
func (e reflectionJob) Type() string {
	bType := reflect.TypeOf(e.body)
	return fmt.Sprintf("%s.%s", bType.PkgPath(), bType.Name())
}

type adHocJob struct {
	t string
	d interface{}
}

func (e adHocJob) Data() interface{} {
	return e.d
}

func (e adHocJob) Type() string {
	return e.t
}

// JobFrom wraps any struct, making it a valid Job.
func JobFrom(payload interface{}) Job {
	return reflectionJob{
		body: payload,
	}
}

// Listen creates a functional handler in one line.
func Listen(job Job, callback func(ctx context.Context, job Job) error) ListenFunc {
	return ListenFunc{
		Job:      job,
		callback: callback,
	}
}

// ListenFunc is a Handler implemented with a callback.
type ListenFunc struct {
	Job      Job
	callback func(ctx context.Context, job Job) error
}

// Listen implements Handler.
func (f ListenFunc) Listen() Job {
	return f.Job
}

// Process implements Handler.
func (f ListenFunc) Process(ctx context.Context, job Job) error {
	return f.callback(ctx, job)
}
