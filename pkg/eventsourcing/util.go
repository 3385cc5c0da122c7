package eventsourcing

import "time"

// TimeFunc returns the current time for event timestamps. Tests override it
// to get deterministic timestamps.
var TimeFunc = time.Now

// Now returns the current UTC time via TimeFunc.
func Now() time.Time {
	return TimeFunc().UTC()
}
