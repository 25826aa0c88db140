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
package bencode

import "fmt"

// SyntaxError is returned when the input does not parse as strict
// canonical bencoding.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("bencode syntax error at offset %d: %s", e.Offset, e.Msg)
}

func syntaxErrorf(offset int, format string, args ...interface{}) error {
	return &SyntaxError{Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// UnmarshalTypeError is returned when a bencode value cannot be assigned to
// the requested Go type.
type UnmarshalTypeError struct {
	Value string
	Type  string
}

func (e *UnmarshalTypeError) Error() string {
	return fmt.Sprintf("cannot unmarshal bencode %s into Go value of type %s", e.Value, e.Type)
}
