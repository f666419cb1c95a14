package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const tokenSeqPad = 4

// TokenDay formats the date prefix shared by all tokens issued on one day.
func TokenDay(t time.Time) string {
	return t.UTC().Format("20060102")
}

// FormatToken renders a daily token number, e.g. "20260831-0001".
func FormatToken(day time.Time, seq int64) string {
	return fmt.Sprintf("%s-%0*d", TokenDay(day), tokenSeqPad, seq)
}

// ParseTokenSeq extracts the numeric suffix of a token number.
func ParseTokenSeq(token string) (int64, error) {
	idx := strings.LastIndex(token, "-")
	if idx < 0 || idx == len(token)-1 {
		return 0, fmt.Errorf("malformed token number %q", token)
	}
	seq, err := strconv.ParseInt(token[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed token number %q: %w", token, err)
	}
	return seq, nil
}
