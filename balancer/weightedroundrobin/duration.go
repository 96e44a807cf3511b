/*
 * Copyright 2024 The Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package weightedroundrobin

import (
	"encoding/json"
	"fmt"
	"time"
)

// jsonDuration decodes a JSON string with time.ParseDuration, which accepts
// the gRPC service config's decimal-seconds form of a
// google.protobuf.Duration (such as "10s" or "0.5s") as well as any other
// Go duration string. It marshals with time.Duration.String (for example
// "3m0s" or "100ms"), which UnmarshalJSON parses back, so a config
// round-tripped through JSON is stable.
type jsonDuration time.Duration

func (d jsonDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *jsonDuration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("wrr: invalid duration %q: %v", b, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("wrr: invalid duration %q: %v", s, err)
	}
	*d = jsonDuration(parsed)
	return nil
}
