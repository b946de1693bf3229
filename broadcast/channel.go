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
	"sync"

	"github.com/alwitt/livefeed/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// subscriptionBufferSlack headroom beyond the history size in each subscription's
// frame buffer. Having at least the history size spare guarantees the replay during
// subscribe can never block while the channel lock is held.
const subscriptionBufferSlack = 16

// Subscription one live downstream connection to a Channel
type Subscription struct {
	id     string
	frames chan string
	closed bool
}

// ID the unique ID of this subscription
func (s *Subscription) ID() string {
	return s.id
}

// Frames the stream of formatted messages for this subscription. The channel is
// closed once the subscription is dropped.
func (s *Subscription) Frames() <-chan string {
	return s.frames
}

// Channel fans formatted messages out to all current subscriptions
type Channel interface {
	// Name the channel name
	Name() string
	// Subscribe register a new subscription. Buffered history is replayed into the
	// subscription before any later message can be delivered.
	Subscribe() *Subscription
	// Unsubscribe drop a subscription. Idempotent, safe during a concurrent publish.
	Unsubscribe(sub *Subscription)
	// PublishData broadcast text as a data message
	PublishData(text string)
	// PublishEvent broadcast text as a named event message
	PublishEvent(event, text string)
	// PublishKeepalive broadcast an empty comment message. Not recorded in history.
	PublishKeepalive()
	// SubscriberCount number of live subscriptions
	SubscriberCount() int
}

// channelImpl implements Channel
type channelImpl struct {
	common.Component
	name        string
	maxHistory  int
	history     []string
	subscribers []*Subscription
	lock        *sync.Mutex
}

// getChannel define a new Channel
func getChannel(name string, maxHistory int) Channel {
	logTags := log.Fields{
		"module":    "broadcast",
		"component": "channel",
		"instance":  name,
	}
	return &channelImpl{
		Component:   common.Component{LogTags: logTags},
		name:        name,
		maxHistory:  maxHistory,
		history:     make([]string, 0),
		subscribers: make([]*Subscription, 0),
		lock:        &sync.Mutex{},
	}
}

// Name the channel name
func (c *channelImpl) Name() string {
	return c.name
}

// Subscribe register a new subscription
func (c *channelImpl) Subscribe() *Subscription {
	c.lock.Lock()
	defer c.lock.Unlock()
	sub := &Subscription{
		id:     uuid.NewString(),
		frames: make(chan string, c.maxHistory+subscriptionBufferSlack),
	}
	// Replay before the subscription is visible to publishes. Buffer capacity
	// covers the full history, so this cannot block.
	for _, saved := range c.history {
		sub.frames <- saved
	}
	c.subscribers = append(c.subscribers, sub)
	log.WithFields(c.LogTags).Infof(
		"New subscription %s, %d total", sub.id, len(c.subscribers),
	)
	return sub
}

// Unsubscribe drop a subscription
func (c *channelImpl) Unsubscribe(sub *Subscription) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.removeLocked(sub)
}

// removeLocked drop a subscription. Caller must hold the lock.
func (c *channelImpl) removeLocked(sub *Subscription) {
	for itr, existing := range c.subscribers {
		if existing.id == sub.id {
			c.subscribers = append(c.subscribers[:itr], c.subscribers[itr+1:]...)
			break
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.frames)
		log.WithFields(c.LogTags).Infof(
			"Dropped subscription %s, %d remain", sub.id, len(c.subscribers),
		)
	}
}

// PublishData broadcast text as a data message
func (c *channelImpl) PublishData(text string) {
	c.publish(DataFrame(text), true)
}

// PublishEvent broadcast text as a named event message
func (c *channelImpl) PublishEvent(event, text string) {
	c.publish(EventFrame(event, text), true)
}

// PublishKeepalive broadcast an empty comment message
func (c *channelImpl) PublishKeepalive() {
	c.publish(KeepaliveFrame(), false)
}

// publish deliver one formatted message to every subscription
func (c *channelImpl) publish(formatted string, recordHistory bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if recordHistory && c.maxHistory > 0 {
		c.history = append(c.history, formatted)
		for len(c.history) > c.maxHistory {
			c.history = c.history[1:]
		}
	}
	var failed []*Subscription
	for _, sub := range c.subscribers {
		select {
		case sub.frames <- formatted:
		default:
			// Subscription can't absorb the message. Drop it rather than queue an
			// unbounded backlog or hold up the rest of the pass.
			failed = append(failed, sub)
		}
	}
	for _, sub := range failed {
		log.WithFields(c.LogTags).Warnf("Dropping stalled subscription %s", sub.id)
		c.removeLocked(sub)
	}
}

// SubscriberCount number of live subscriptions
func (c *channelImpl) SubscriberCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.subscribers)
}
