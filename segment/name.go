// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"strconv"
	"strings"
)

// nameDigits and nameSuffix define the on-disk file naming convention from
// spec.md §6: a zero-padded 19-digit decimal of firstLogId, extension .wal.
// 19 digits hold log IDs up to 9999999999999999999; ParseFileName rejects
// names of any other length, so larger uint64 IDs cannot round-trip.
const (
	nameDigits = 19
	nameSuffix = ".wal"
)

// FileName returns the canonical file name for a segment whose first log ID
// is firstLogID.
func FileName(firstLogID uint64) string {
	return fmt.Sprintf("%0*d%s", nameDigits, firstLogID, nameSuffix)
}

// ParseFileName extracts the firstLogID encoded in name, or reports ok=false
// if name doesn't match the expected "*.wal" pattern produced by FileName.
func ParseFileName(name string) (firstLogID uint64, ok bool) {
	if !strings.HasSuffix(name, nameSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(name, nameSuffix)
	if len(digits) != nameDigits {
		return 0, false
	}
	v, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
