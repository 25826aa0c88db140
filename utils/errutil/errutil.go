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

// Package errutil provides small helpers for aggregating multiple errors,
// used by the retry phase to report why each remaining piece failed.
package errutil

import "strings"

// MultiError aggregates a list of errors into a single error whose message
// is each underlying error joined by ", ".
type MultiError []error

// Error implements the error interface.
func (m MultiError) Error() string {
	msgs := make([]string, len(m))
	for i, err := range m {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, ", ")
}

// Join returns a MultiError wrapping errs, or nil if errs is empty.
func Join(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return MultiError(errs)
}
