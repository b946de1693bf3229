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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameFormats(t *testing.T) {
	assert := assert.New(t)

	// Single line data message
	assert.Equal("data:hello\n\n", DataFrame("hello"))

	// Multi-line payloads frame each line separately
	assert.Equal("data:line1\ndata:line2\n\n", DataFrame("line1\nline2"))

	// Named event carries the event header first
	assert.Equal("event:foo\ndata:line1\ndata:line2\n\n", EventFrame("foo", "line1\nline2"))

	// Keepalive is a bare comment
	assert.Equal(":\n\n", KeepaliveFrame())

	// Empty payload still emits one prefixed line
	assert.Equal("data:\n\n", DataFrame(""))
}
