// Copyright 2022 The livefeed Authors
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

package broadcast

import "strings"

// dataPrefix marks a payload line of an event stream message
const dataPrefix = "data:"

// commentPrefix marks a comment line. Clients ignore these; they only keep the
// connection from idling out.
const commentPrefix = ":"

// frame format one event stream message. Each line of payload becomes its own
// prefixed line, and a single blank line terminates the message.
func frame(event, prefix, payload string) string {
	var b strings.Builder
	if event != "" {
		b.WriteString("event:")
		b.WriteString(event)
		b.WriteString("\n")
	}
	for _, line := range strings.Split(payload, "\n") {
		b.WriteString(prefix)
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// DataFrame format payload as a data message
func DataFrame(payload string) string {
	return frame("", dataPrefix, payload)
}

// EventFrame format payload as a named event message
func EventFrame(event, payload string) string {
	return frame(event, dataPrefix, payload)
}

// KeepaliveFrame format an empty comment message
func KeepaliveFrame() string {
	return frame("", commentPrefix, "")
}
