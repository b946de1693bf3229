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
	"net"
	"net/netip"
)

// MatchClaimedAddress check whether the observed remote address refers to the same
// host as the claimed address. The observed address may carry a port and may be an
// IPv4-mapped IPv6 address (e.g. "::ffff:192.168.2.170"); both addresses are parsed
// and compared in canonical form, so a partial string like "2.170" never matches.
func MatchClaimedAddress(claimed, observed string) bool {
	host := observed
	if h, _, err := net.SplitHostPort(observed); err == nil {
		host = h
	}
	claimedAddr, err := netip.ParseAddr(claimed)
	if err != nil {
		return false
	}
	observedAddr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return claimedAddr.Unmap() == observedAddr.Unmap()
}
