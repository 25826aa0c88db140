// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memsize formats byte and bit counts into human-readable units.
package memsize

import "fmt"

// Byte unit constants.
const (
	B  = 1
	KB = 1024 * B
	MB = 1024 * KB
	GB = 1024 * MB
	TB = 1024 * GB
)

// Bit unit constants.
const (
	Bit  = 1
	Kbit = 1024 * Bit
	Mbit = 1024 * Kbit
	Gbit = 1024 * Mbit
	Tbit = 1024 * Gbit
)

// Format renders bytes using the largest whole unit under which the value
// is at least 1.
func Format(bytes uint64) string {
	return format(bytes, "B", "KB", "MB", "GB", "TB")
}

// BitFormat renders bits using the largest whole unit under which the value
// is at least 1.
func BitFormat(bits uint64) string {
	return format(bits, "bit", "Kbit", "Mbit", "Gbit", "Tbit")
}

func format(v uint64, units ...string) string {
	switch {
	case v >= TB:
		return fmt.Sprintf("%.2f%s", float64(v)/float64(TB), units[4])
	case v >= GB:
		return fmt.Sprintf("%.2f%s", float64(v)/float64(GB), units[3])
	case v >= MB:
		return fmt.Sprintf("%.2f%s", float64(v)/float64(MB), units[2])
	case v >= KB:
		return fmt.Sprintf("%.2f%s", float64(v)/float64(KB), units[1])
	default:
		if v == 0 {
			return fmt.Sprintf("0%s", units[0])
		}
		return fmt.Sprintf("%.2f%s", float64(v), units[0])
	}
}
