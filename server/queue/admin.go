package queue

import (
	"context"
)

// StatusAll returns counts for every registered queue.
func (r *Runtime) StatusAll(ctx context.Context) ([]Status, error) {
	r.mu.Lock()
	names := make([]string, 0, len(r.regs))
	for name := range r.regs {
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(names))
	for _, name := range names {
		st := Status{Queue: name}
		var err error
		if st.Waiting, err = r.client.LLen(ctx, k(name, "wait")).Result(); err != nil {
			return nil, err
		}
		prio, err := r.client.LLen(ctx, k(name, "prio")).Result()
		if err != nil {
			return nil, err
		}
		st.Waiting += prio
		if st.Active, err = r.client.LLen(ctx, k(name, "active")).Result(); err != nil {
			return nil, err
		}
		if st.Delayed, err = r.client.ZCard(ctx, k(name, "delayed")).Result(); err != nil {
			return nil, err
		}
		if st.Dead, err = r.client.LLen(ctx, k(name, "dead")).Result(); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// FailedJobs returns the dead-lettered jobs for a queue, newest first.
func (r *Runtime) FailedJobs(ctx context.Context, queueName string) ([]*Job, error) {
	if !known(queueName) {
		return nil, ErrUnknownQueue
	}
	ids, err := r.client.LRange(ctx, k(queueName, "dead"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.loadJob(ctx, queueName, id)
		if err != nil || job == nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// CleanFailed drops a queue's dead-letter list and its job bodies. Returns
// the number of jobs removed.
func (r *Runtime) CleanFailed(ctx context.Context, queueName string) (int, error) {
	if !known(queueName) {
		return 0, ErrUnknownQueue
	}
	ids, err := r.client.LRange(ctx, k(queueName, "dead"), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		r.client.Del(ctx, jobKey(queueName, id))
	}
	if err := r.client.Del(ctx, k(queueName, "dead")).Err(); err != nil {
		return 0, err
	}
	return len(ids), nil
}
