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
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// drainAvailable read frames already buffered on a subscription
func drainAvailable(sub *Subscription) []string {
	var result []string
	for {
		select {
		case msg, ok := <-sub.Frames():
			if !ok {
				return result
			}
			result = append(result, msg)
		default:
			return result
		}
	}
}

func TestChannelBroadcastOrdering(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := getChannel("ut-ordering", 0)

	sub1 := uut.Subscribe()
	sub2 := uut.Subscribe()
	assert.Equal(2, uut.SubscriberCount())

	uut.PublishData("a")
	uut.PublishData("b")

	assert.Equal([]string{DataFrame("a"), DataFrame("b")}, drainAvailable(sub1))
	assert.Equal([]string{DataFrame("a"), DataFrame("b")}, drainAvailable(sub2))

	uut.Unsubscribe(sub1)
	assert.Equal(1, uut.SubscriberCount())
	// Idempotent
	uut.Unsubscribe(sub1)
	assert.Equal(1, uut.SubscriberCount())

	uut.PublishData("c")
	assert.Equal([]string{DataFrame("c")}, drainAvailable(sub2))
	assert.Empty(drainAvailable(sub1))
}

func TestChannelHistoryReplay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := getChannel("ut-history", 3)

	uut.PublishData("1")
	uut.PublishData("2")
	uut.PublishData("3")
	uut.PublishData("4")

	// Late joiner sees only the retained messages, oldest evicted
	sub := uut.Subscribe()
	assert.Equal(
		[]string{DataFrame("2"), DataFrame("3"), DataFrame("4")}, drainAvailable(sub),
	)

	// Live messages follow the replay
	uut.PublishData("5")
	assert.Equal([]string{DataFrame("5")}, drainAvailable(sub))
}

func TestChannelHistoryDisabled(t *testing.T) {
	assert := assert.New(t)

	uut := getChannel("ut-no-history", 0)

	uut.PublishData("1")
	uut.PublishData("2")

	sub := uut.Subscribe()
	assert.Empty(drainAvailable(sub))
}

func TestChannelKeepaliveNotRecorded(t *testing.T) {
	assert := assert.New(t)

	uut := getChannel("ut-keepalive", 4)

	uut.PublishData("1")
	uut.PublishKeepalive()
	uut.PublishEvent("imu", "2")

	// Keepalives reach live subscriptions but never enter history
	sub := uut.Subscribe()
	assert.Equal(
		[]string{DataFrame("1"), EventFrame("imu", "2")}, drainAvailable(sub),
	)

	uut.PublishKeepalive()
	assert.Equal([]string{KeepaliveFrame()}, drainAvailable(sub))
}

func TestChannelStalledSubscriberIsolation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := getChannel("ut-isolation", 0)

	stalled := uut.Subscribe()
	healthy := uut.Subscribe()
	assert.Equal(2, uut.SubscriberCount())

	// Fill the stalled subscription's buffer without draining it
	for itr := 0; itr < subscriptionBufferSlack; itr++ {
		uut.PublishData(fmt.Sprintf("%d", itr))
	}
	assert.Equal(2, uut.SubscriberCount())
	assert.Len(drainAvailable(healthy), subscriptionBufferSlack)

	// The next publish overflows the stalled subscription. It is dropped, the
	// healthy one still receives the message.
	uut.PublishData("overflow")
	assert.Equal(1, uut.SubscriberCount())
	assert.Equal([]string{DataFrame("overflow")}, drainAvailable(healthy))

	// The stalled subscription's channel was closed after its buffered backlog
	backlog := drainAvailable(stalled)
	assert.Len(backlog, subscriptionBufferSlack)
	_, open := <-stalled.Frames()
	assert.False(open)
}

func TestChannelConcurrentSubscribePublish(t *testing.T) {
	assert := assert.New(t)

	uut := getChannel("ut-concurrency", 8)

	// Comfortably below each subscription's buffer capacity, so no subscriber can
	// be dropped for stalling even if the scheduler starves a reader.
	published := 16
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for itr := 0; itr < published; itr++ {
			uut.PublishData(fmt.Sprintf("%d", itr))
		}
	}()

	// Subscribers joining mid-stream each observe a contiguous, duplicate-free
	// suffix of the publish order: replayed history followed by live messages.
	var checks sync.WaitGroup
	for itr := 0; itr < 4; itr++ {
		checks.Add(1)
		go func() {
			defer checks.Done()
			sub := uut.Subscribe()
			var seen []string
			timeout := time.After(time.Second * 5)
			for len(seen) == 0 || seen[len(seen)-1] != DataFrame(fmt.Sprintf("%d", published-1)) {
				select {
				case msg := <-sub.Frames():
					seen = append(seen, msg)
				case <-timeout:
					assert.FailNow("timed out waiting for final message")
					return
				}
			}
			for idx := 1; idx < len(seen); idx++ {
				var prev, cur int
				_, err := fmt.Sscanf(seen[idx-1], "data:%d", &prev)
				assert.Nil(err)
				_, err = fmt.Sscanf(seen[idx], "data:%d", &cur)
				assert.Nil(err)
				assert.Equal(prev+1, cur)
			}
			uut.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	checks.Wait()
}

func TestChannelRegistryKeepalive(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, err := GetChannelRegistry(utCtxt, &wg)
	assert.Nil(err)

	channel, err := uut.CreateChannel("data", 0)
	assert.Nil(err)
	_, err = uut.CreateChannel("data", 0)
	assert.NotNil(err)

	fetched, ok := uut.Get("data")
	assert.True(ok)
	assert.Equal(channel, fetched)
	_, ok = uut.Get("missing")
	assert.False(ok)

	sub := channel.Subscribe()
	assert.Nil(uut.StartKeepalive(time.Millisecond * 50))
	select {
	case msg := <-sub.Frames():
		assert.Equal(KeepaliveFrame(), msg)
	case <-time.After(time.Second):
		assert.FailNow("no keepalive received")
	}
}
