package layerbridge

import "time"

// TimeoutPolicy derives a per-task deadline from the shape of the task.
type TimeoutPolicy struct {
	Base    time.Duration
	PerFile time.Duration
	// MediaFloor is the minimum applied to generation tasks and tasks with binary files.
	MediaFloor time.Duration
	// Max caps derived timeouts. Zero disables the cap.
	Max time.Duration
}

// DefaultTimeoutPolicy returns the default policy.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		Base:       60 * time.Second,
		PerFile:    30 * time.Second,
		MediaFloor: 5 * time.Minute,
		Max:        30 * time.Minute,
	}
}

// For returns the timeout for t. An explicit Task.Timeout always wins.
func (p TimeoutPolicy) For(t Task) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	d := p.Base + time.Duration(len(t.Files))*p.PerFile
	if (t.Kind.IsGeneration() || t.HasBinaryFiles()) && d < p.MediaFloor {
		d = p.MediaFloor
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}
