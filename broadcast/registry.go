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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livefeed/common"
	"github.com/apex/log"
)

// ChannelRegistry owns the set of broadcast channels and the shared keepalive timer
type ChannelRegistry interface {
	// CreateChannel define a new channel under name
	CreateChannel(name string, maxHistory int) (Channel, error)
	// Get fetch a channel by name
	Get(name string) (Channel, bool)
	// StartKeepalive begin publishing periodic keepalive comments to every channel
	StartKeepalive(interval time.Duration) error
}

// channelRegistryImpl implements ChannelRegistry
type channelRegistryImpl struct {
	common.Component
	channels map[string]Channel
	lock     *sync.Mutex
	timer    common.IntervalTimer
}

// GetChannelRegistry define a new ChannelRegistry
func GetChannelRegistry(
	ctxt context.Context, wg *sync.WaitGroup,
) (ChannelRegistry, error) {
	logTags := log.Fields{
		"module":    "broadcast",
		"component": "channel-registry",
	}
	timer, err := common.GetIntervalTimerInstance("feed-keepalive", ctxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define keepalive timer")
		return nil, err
	}
	return &channelRegistryImpl{
		Component: common.Component{LogTags: logTags},
		channels:  make(map[string]Channel),
		lock:      &sync.Mutex{},
		timer:     timer,
	}, nil
}

// CreateChannel define a new channel under name
func (r *channelRegistryImpl) CreateChannel(name string, maxHistory int) (Channel, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.channels[name]; ok {
		return nil, fmt.Errorf("channel %s already defined", name)
	}
	channel := getChannel(name, maxHistory)
	r.channels[name] = channel
	log.WithFields(r.LogTags).Infof("Created channel %s", name)
	return channel, nil
}

// Get fetch a channel by name
func (r *channelRegistryImpl) Get(name string) (Channel, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	channel, ok := r.channels[name]
	return channel, ok
}

// StartKeepalive begin publishing periodic keepalive comments to every channel
func (r *channelRegistryImpl) StartKeepalive(interval time.Duration) error {
	return r.timer.Start(interval, func() error {
		r.lock.Lock()
		channels := make([]Channel, 0, len(r.channels))
		for _, channel := range r.channels {
			channels = append(channels, channel)
		}
		r.lock.Unlock()
		for _, channel := range channels {
			channel.PublishKeepalive()
		}
		return nil
	}, false)
}
