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

package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchClaimedAddress(t *testing.T) {
	assert := assert.New(t)

	// Exact IPv4 match
	assert.True(MatchClaimedAddress("192.168.2.170", "192.168.2.170"))

	// IPv4-mapped IPv6 observed address
	assert.True(MatchClaimedAddress("192.168.2.170", "::ffff:192.168.2.170"))

	// Observed address carrying a port
	assert.True(MatchClaimedAddress("192.168.2.170", "192.168.2.170:51448"))
	assert.True(MatchClaimedAddress("192.168.2.170", "[::ffff:192.168.2.170]:51448"))

	// Different host
	assert.False(MatchClaimedAddress("192.168.2.170", "10.0.0.5"))

	// A bare suffix of the observed address is not a valid claim
	assert.False(MatchClaimedAddress("2.170", "192.168.2.170"))

	// IPv6 equality
	assert.True(MatchClaimedAddress("fe80::1", "fe80::1"))
	assert.False(MatchClaimedAddress("fe80::1", "fe80::2"))

	// Garbage never matches
	assert.False(MatchClaimedAddress("", "192.168.2.170"))
	assert.False(MatchClaimedAddress("not-an-address", "192.168.2.170"))
}
