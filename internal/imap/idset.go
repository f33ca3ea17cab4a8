package imap

import (
	"errors"
	"strconv"
	"strings"
)

var errBadIDSet = errors.New("malformed id set")

// ParseIDSet expands an IMAP sequence-set string ("1", "1,4", "1:6",
// "1,3:5") into the message ids it denotes, in left-to-right order.
// Ranges are inclusive; a descending range ("5:1") is empty. The set is
// not deduplicated or reordered. Wildcards ("*") are not supported and
// return an error.
func ParseIDSet(s string) ([]uint32, error) {
	if s == "" {
		return nil, errBadIDSet
	}

	var ids []uint32
	for _, part := range strings.Split(s, ",") {
		start, end, found := strings.Cut(part, ":")
		if !found {
			n, err := parseID(start)
			if err != nil {
				return nil, err
			}
			ids = append(ids, n)
			continue
		}

		lo, err := parseID(start)
		if err != nil {
			return nil, err
		}
		hi, err := parseID(end)
		if err != nil {
			return nil, err
		}
		for i := lo; i <= hi; i++ {
			ids = append(ids, i)
		}
	}
	return ids, nil
}

func parseID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errBadIDSet
	}
	return uint32(n), nil
}
