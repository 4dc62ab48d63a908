package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// ReferenceError reports swing members that are not stored candles.
type ReferenceError struct {
	Instrument string
	Timeframe  string
	Missing    []int64 // open times, unix ms
}

func (e *ReferenceError) Error() string {
	ts := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		ts[i] = fmt.Sprint(m)
	}
	return fmt.Sprintf("swing references unknown candles %s/%s at [%s]", e.Instrument, e.Timeframe, strings.Join(ts, ", "))
}
