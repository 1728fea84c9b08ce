// Copyright 2026 The gVisor Authors.
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

package log

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// Test that integers can be properly unmarshaled.
func TestUnmarshalFromInt(t *testing.T) {
	tcs := []struct {
		i    int
		want Level
	}{
		{0, Warning},
		{1, Info},
		{2, Debug},
	}

	for _, tc := range tcs {
		j, err := json.Marshal(tc.i)
		if err != nil {
			t.Errorf("error marshaling %v: %v", tc.i, err)
		}
		var lv Level
		if err := lv.UnmarshalJSON(j); err != nil {
			t.Errorf("error unmarshaling %v: %v", j, err)
		}
		if lv != tc.want {
			t.Errorf("marshal/unmarshal %v got %v want %v", tc.i, lv, tc.want)
		}
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	e.Emit(0, Debug, time.Unix(0, 0).UTC(), "unmapped %d bytes", 4096)
	if tw.count() != 1 {
		t.Fatalf("got %q, want a single line", tw.output())
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(strings.TrimSpace(tw.output())), &got); err != nil {
		t.Fatalf("json.Unmarshal(%q) failed: %v", tw.output(), err)
	}
	if got.Msg != "unmapped 4096 bytes" || got.Level != Debug {
		t.Errorf("got %+v, want msg %q at level %v", got, "unmapped 4096 bytes", Debug)
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("got caller %q, want json_test.go:<line>", got.Caller)
	}
}
