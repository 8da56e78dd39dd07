package broker

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatID renders an entry id as <unix-ms>-<seq>.
func FormatID(ms, seq int64) string {
	return fmt.Sprintf("%d-%d", ms, seq)
}

// ParseSeq extracts the sequence part of an id. A bare number is taken as the
// sequence itself, so "0" and "0-0" both mean the origin.
func ParseSeq(id string) (int64, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	part := id
	if i := strings.LastIndexByte(id, '-'); i >= 0 {
		part = id[i+1:]
	}
	seq, err := strconv.ParseInt(part, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return seq, nil
}
