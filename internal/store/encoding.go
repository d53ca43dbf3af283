package store

import (
	"strconv"
	"strings"
)

// encodeStrings/decodeStrings and encodeInt32s/decodeInt32s round-trip
// DAG CSR arrays through SQLite, which has no native array column
// type (unlike Postgres's int4[]/text[] used in postgres.go). "," is
// safe as a delimiter for both commit SHAs (hex, never contains a
// comma) and decimal integers.
const arraySep = ","

func encodeStrings(values []string) string {
	return strings.Join(values, arraySep)
}

func decodeStrings(encoded string) []string {
	if encoded == "" {
		return nil
	}
	return strings.Split(encoded, arraySep)
}

func encodeInt32s(values []int32) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatInt(int64(v), 10)
	}
	return strings.Join(parts, arraySep)
}

func decodeInt32s(encoded string) ([]int32, error) {
	if encoded == "" {
		return nil, nil
	}
	parts := strings.Split(encoded, arraySep)
	out := make([]int32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 32)
		if err != nil {
			return nil, err
		}
		out[i] = int32(v)
	}
	return out, nil
}
