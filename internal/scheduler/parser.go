package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var intervalRegex = regexp.MustCompile(`^every\s+(\d+)\s*(s|m|h|d|seconds?|minutes?|hours?|days?)$`)

// ParseExpression parses a schedule expression of the form "every Xs",
// "every 30m", "every 2 hours" into an interval.
func ParseExpression(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(strings.ToLower(expr))

	matches := intervalRegex.FindStringSubmatch(expr)
	if matches == nil {
		return 0, fmt.Errorf("invalid schedule expression: %q (expected \"every <n><unit>\")", expr)
	}

	value, _ := strconv.Atoi(matches[1])
	unit := matches[2]

	var duration time.Duration
	switch {
	case strings.HasPrefix(unit, "s"):
		duration = time.Duration(value) * time.Second
	case strings.HasPrefix(unit, "m"):
		duration = time.Duration(value) * time.Minute
	case strings.HasPrefix(unit, "h"):
		duration = time.Duration(value) * time.Hour
	case strings.HasPrefix(unit, "d"):
		duration = time.Duration(value) * 24 * time.Hour
	}

	if duration < 10*time.Second {
		return 0, fmt.Errorf("minimum interval is 10 seconds, got %s", duration)
	}
	return duration, nil
}
