/*
Mailboat - self-hosted mail server.
Copyright © 2020-2024 Mailboat contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package log

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// renderValue maps field values to their log representation before
// JSON encoding.
func renderValue(val interface{}) interface{} {
	switch v := val.(type) {
	case time.Time:
		return v.Format("2006-01-02T15:04:05.000")
	case time.Duration:
		return v.String()
	case LogFormatter:
		return v.FormatLog()
	case fmt.Stringer:
		return v.String()
	case error:
		return v.Error()
	}
	return val
}

// marshalOrderedJSON writes m as a JSON object with keys in sorted
// order. Deterministic field order keeps messages grep-able and lines
// up values across adjacent log lines.
func marshalOrderedJSON(output *strings.Builder, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	output.WriteRune('{')
	for i, key := range keys {
		if i != 0 {
			output.WriteRune(',')
		}

		encKey, err := json.Marshal(key)
		if err != nil {
			return err
		}
		output.Write(encKey)
		output.WriteRune(':')

		encVal, err := json.Marshal(renderValue(m[key]))
		if err != nil {
			return err
		}
		output.Write(encVal)
	}
	output.WriteRune('}')

	return nil
}
