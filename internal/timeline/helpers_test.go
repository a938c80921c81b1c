package timeline

import (
	"fmt"
	"sync/atomic"
	"time"
)

var testNow = time.Date(2030, 3, 1, 9, 0, 0, 0, time.UTC)

const (
	orgID  = "org-123"
	userID = "user-456"
)

func fixedClock() func() time.Time { return func() time.Time { return testNow } }

// movableClock starts at testNow and can be moved forward.
type movableClock struct{ offset atomic.Int64 }

func (c *movableClock) Now() time.Time          { return testNow.Add(time.Duration(c.offset.Load())) }
func (c *movableClock) Advance(d time.Duration) { c.offset.Add(int64(d)) }

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("post-%d", n.Add(1)) }
}

func tomorrow() time.Time { return testNow.Add(24 * time.Hour) }

func newTestTimeline() *PostTimeline {
	return newPostTimeline(orgID, fixedClock(), sequentialIDs())
}
