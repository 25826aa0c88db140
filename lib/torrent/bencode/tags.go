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

import (
	"reflect"
	"strings"
)

type fieldTag struct {
	name      string
	omitempty bool
	ignore    bool
}

func parseTag(sf reflect.StructField) fieldTag {
	tag := sf.Tag.Get("bencode")
	if tag == "-" {
		return fieldTag{ignore: true}
	}
	parts := strings.Split(tag, ",")
	ft := fieldTag{name: sf.Name}
	if parts[0] != "" {
		ft.name = parts[0]
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			ft.omitempty = true
		}
	}
	return ft
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	}
	return false
}
