package feed

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func parseRFC2822Date(dateStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)
	layouts := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 02 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"02 Jan 2006 15:04:05 -0700",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC3339,
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, dateStr); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}

// parseDuration converts various duration formats to time.Duration
func parseDuration(duration string) time.Duration {
	duration = strings.TrimSpace(duration)
	if duration == "" {
		return 0
	}

	// Try to parse as seconds first (most common case)
	if seconds, err := strconv.Atoi(duration); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if seconds, err := strconv.ParseFloat(duration, 64); err == nil && seconds >= 0 {
		return time.Duration(seconds * float64(time.Second))
	}

	// Try to parse as HH:MM:SS or MM:SS format
	if strings.Contains(duration, ":") {
		return parseTimeFormatDuration(duration)
	}

	// If we can't parse it, return 0
	return 0
}

// parseTimeFormatDuration parses HH:MM:SS or MM:SS format into time.Duration
func parseTimeFormatDuration(timeStr string) time.Duration {
	parts := strings.Split(timeStr, ":")

	var hours, minutes, seconds int
	var err error

	switch len(parts) {
	case 2: // MM:SS format
		if minutes, err = strconv.Atoi(parts[0]); err != nil {
			return 0
		}
		if seconds, err = strconv.Atoi(parts[1]); err != nil {
			return 0
		}
	case 3: // HH:MM:SS format
		if hours, err = strconv.Atoi(parts[0]); err != nil {
			return 0
		}
		if minutes, err = strconv.Atoi(parts[1]); err != nil {
			return 0
		}
		if seconds, err = strconv.Atoi(parts[2]); err != nil {
			return 0
		}
	default:
		return 0
	}

	if hours < 0 || minutes < 0 || seconds < 0 {
		return 0
	}
	return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second
}

// parseNPT reads a Normal Play Time offset ("01:02:03.500", "62.5", "1:02")
// as used by Podlove simple chapters.
func parseNPT(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	var frac time.Duration
	if dot := strings.LastIndex(s, "."); dot >= 0 && !strings.Contains(s[dot:], ":") {
		ms := s[dot+1:]
		if ms == "" {
			return 0, false
		}
		for len(ms) < 3 {
			ms += "0"
		}
		n, err := strconv.Atoi(ms[:3])
		if err != nil {
			return 0, false
		}
		frac = time.Duration(n) * time.Millisecond
		s = s[:dot]
	}

	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return time.Duration(n)*time.Second + frac, true
	}
	d := parseTimeFormatDuration(s)
	if d == 0 && strings.Trim(s, "0:") != "" {
		return 0, false
	}
	return d + frac, true
}

func parseInt(s string) *int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &n
}

func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
