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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultFileName is appended to log patterns naming a directory, that is,
// ending with '/'.
const DefaultFileName = "hlerun.log.%TIMESTAMP%.%COMMAND%.txt"

// FileOpts holds the values substituted into a log file pattern.
type FileOpts struct {
	// Command replaces %COMMAND%.
	Command string

	// Start replaces %TIMESTAMP%, formatted as yyyymmdd-hhmmss.uuuuuu.
	Start time.Time
}

// Build returns the log file path for pattern.
func (o FileOpts) Build(pattern string) string {
	if strings.HasSuffix(pattern, "/") {
		pattern = filepath.Join(pattern, DefaultFileName)
	}
	return strings.NewReplacer(
		"%TIMESTAMP%", o.Start.Format("20060102-150405.000000"),
		"%COMMAND%", o.Command,
	).Replace(pattern)
}

// OpenFile opens the log file for pattern in append mode, creating it and
// its parent directory if needed. An empty pattern returns a nil file.
func OpenFile(pattern string, opts FileOpts) (*os.File, error) {
	if pattern == "" {
		return nil, nil
	}
	path := opts.Build(pattern)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", path, err)
	}
	return f, nil
}
