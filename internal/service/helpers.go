package service

import (
	"fmt"
	"time"
)

// NextOccurrence is the same wall-clock time on the following calendar day
// in loc, anchored to the scheduled instant rather than to when it ran.
func NextOccurrence(fireAt time.Time, loc *time.Location) time.Time {
	return fireAt.In(loc).AddDate(0, 0, 1)
}

// NextFutureOccurrence rolls fireAt forward by whole days until it is after now.
func NextFutureOccurrence(fireAt, now time.Time, loc *time.Location) time.Time {
	next := fireAt
	for !next.After(now) {
		next = NextOccurrence(next, loc)
	}
	return next
}

// DispatchKey identifies one firing of one post.
func DispatchKey(postID int64, fireAt time.Time) string {
	return fmt.Sprintf("%d:%d", postID, fireAt.Unix())
}
