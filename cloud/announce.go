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
	"strings"
	"sync"
	"time"

	"github.com/alwitt/livefeed/common"
	"github.com/apex/log"
)

// DeviceAnnouncement a device signaling readiness to open an upload connection
type DeviceAnnouncement struct {
	// DeviceID is the announcing device's ID
	DeviceID string `json:"device_id" validate:"required,hexadecimal,len=24"`
	// Address is the IP address the device claims it will connect from
	Address string `json:"address" validate:"required"`
	// ReceivedAt is when the announcement reached this process
	ReceivedAt time.Time `json:"-"`
}

// AllowListProvider answers whether a device is allowed to connect
type AllowListProvider interface {
	// Allowed check whether a device ID is on the allow-list
	Allowed(ctxt context.Context, deviceID string) (bool, error)
}

// RemoteInvoker calls a named function on a remote device out-of-band
type RemoteInvoker interface {
	// Invoke call function on a device with a single string argument
	Invoke(ctxt context.Context, deviceID, function, argument string) error
}

// EventSource feeds device announcement events into a router
type EventSource interface {
	// StartListening begin receiving announcement events. A failure here means the
	// process has no way to learn of device connection requests.
	StartListening(wg *sync.WaitGroup, router EventRouter) error
}

// AnnouncementHandler callback processing one named announcement event
type AnnouncementHandler func(
	ctxt context.Context, event string, announcement DeviceAnnouncement,
) error

// EventRouter routes named events to handlers by event name prefix
type EventRouter interface {
	// RegisterHandler add a handler for events whose name starts with prefix. An
	// empty prefix matches every event.
	RegisterHandler(prefix string, handler AnnouncementHandler) error
	// Route dispatch one event to the first matching handler
	Route(ctxt context.Context, event string, announcement DeviceAnnouncement) error
}

// prefixRoute one entry of the routing table
type prefixRoute struct {
	prefix  string
	handler AnnouncementHandler
}

// eventRouterImpl implements EventRouter
type eventRouterImpl struct {
	common.Component
	routes []prefixRoute
	lock   *sync.Mutex
}

// GetEventRouter define a new EventRouter
func GetEventRouter(instance string) (EventRouter, error) {
	logTags := log.Fields{
		"module":    "cloud",
		"component": "event-router",
		"instance":  instance,
	}
	return &eventRouterImpl{
		Component: common.Component{LogTags: logTags},
		routes:    make([]prefixRoute, 0),
		lock:      &sync.Mutex{},
	}, nil
}

// RegisterHandler add a handler for events whose name starts with prefix
func (r *eventRouterImpl) RegisterHandler(prefix string, handler AnnouncementHandler) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.routes = append(r.routes, prefixRoute{prefix: prefix, handler: handler})
	log.WithFields(r.LogTags).Infof("Registered handler for event prefix '%s'", prefix)
	return nil
}

// Route dispatch one event to the first matching handler
func (r *eventRouterImpl) Route(
	ctxt context.Context, event string, announcement DeviceAnnouncement,
) error {
	r.lock.Lock()
	routes := r.routes
	r.lock.Unlock()
	for _, route := range routes {
		if route.prefix == "" || strings.HasPrefix(event, route.prefix) {
			return route.handler(ctxt, event, announcement)
		}
	}
	log.WithFields(r.LogTags).Debugf("No handler matched event '%s'", event)
	return nil
}
