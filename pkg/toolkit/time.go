package toolkit

import (
	"context"
	"time"

	"github.com/apiprobe/apiprobe/pkg/tools"
)

// CurrentTimeResult reports the wall clock in RFC 3339 UTC.
type CurrentTimeResult struct {
	Time string `json:"time"`
}

// NewCurrentTime builds the current_time tool. A nil clock uses time.Now;
// tests inject a fixed one.
func NewCurrentTime(clock func() time.Time) (*tools.Definition, error) {
	if clock == nil {
		clock = time.Now
	}
	return tools.NewNamedFromFunc(
		CurrentTimeToolName,
		"Return the current date and time in RFC 3339 UTC.",
		func(ctx context.Context) (*CurrentTimeResult, error) {
			return &CurrentTimeResult{Time: clock().UTC().Format(time.RFC3339)}, nil
		},
	)
}
