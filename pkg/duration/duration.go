// Copyright 2025 Vesta Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package duration

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	// durationRegex matches strings like "45s", "10m", "2h", "3d", "1w", "1y".
	durationRegex = regexp.MustCompile(`^(\d+)([smhdwy])$`)

	ErrInvalidFormat = errors.New("invalid duration format")
)

// Parse converts a compact duration string into a time.Duration. These
// strings appear in trigger requests as run TTLs and delay offsets.
// Supported units:
//   - s: seconds
//   - m: minutes
//   - h: hours
//   - d: days
//   - w: weeks
//   - y: years (365 days)
func Parse(s string) (time.Duration, error) {
	if s == "" {
		return 0, ErrInvalidFormat
	}

	matches := durationRegex.FindStringSubmatch(s)
	if len(matches) != 3 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidFormat, s)
	}

	value, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidFormat, s)
	}

	switch matches[2] {
	case "s":
		return time.Duration(value) * time.Second, nil
	case "m":
		return time.Duration(value) * time.Minute, nil
	case "h":
		return time.Duration(value) * time.Hour, nil
	case "d":
		return time.Duration(value) * 24 * time.Hour, nil
	case "w":
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case "y":
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidFormat, s)
	}
}

// MustParse is Parse for trusted literals, panicking on error.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// IsValid reports whether s parses as a compact duration string.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}
