package ids

import "time"

// Clock abstracts time.Now so tests can control BoxId timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
