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

// Package util groups helpers shared by hlerun commands.
package util

import (
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"gvisor.dev/hle/pkg/log"
)

// Fatalf logs the error to the debug log and stderr, then exits with
// status 1.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	logrus.Fatalf(format, args...)
}

// Errorf logs the error to the debug log and stderr, and returns
// subcommands.ExitFailure for the command to return.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	logrus.Errorf(format, args...)
	return subcommands.ExitFailure
}
