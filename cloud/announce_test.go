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

package cloud

import (
	"context"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestEventRouterPrefixMatch(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetEventRouter("ut-event-router")
	assert.Nil(err)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	announcement := DeviceAnnouncement{
		DeviceID: "1f0027001247343438323536", Address: "192.168.2.170",
	}

	var observed []string
	record := func(name string) AnnouncementHandler {
		return func(_ context.Context, event string, _ DeviceAnnouncement) error {
			observed = append(observed, name)
			return nil
		}
	}

	// Case 0: no handlers registered, nothing dispatched
	assert.Nil(uut.Route(utCtxt, "devicesRequest", announcement))
	assert.Empty(observed)

	// Case 1: first matching prefix wins
	assert.Nil(uut.RegisterHandler("devices", record("devices")))
	assert.Nil(uut.RegisterHandler("", record("catch-all")))
	assert.Nil(uut.Route(utCtxt, "devicesRequest", announcement))
	assert.Equal([]string{"devices"}, observed)

	// Case 2: non-matching event falls through to the catch-all
	observed = nil
	assert.Nil(uut.Route(utCtxt, "otherEvent", announcement))
	assert.Equal([]string{"catch-all"}, observed)
}
