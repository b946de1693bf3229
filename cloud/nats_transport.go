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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// defineAnnounceSubject helper function to define the announce subscription subject
func defineAnnounceSubject(prefix string) string {
	return fmt.Sprintf("%s.>", prefix)
}

// defineDeviceCallSubject helper function to define the remote invocation subject
func defineDeviceCallSubject(deviceID, function string) string {
	return fmt.Sprintf("device-call.%s.%s", deviceID, function)
}

// natsEventSourceImpl implements EventSource against a NATS subject tree
type natsEventSourceImpl struct {
	common.Component
	nats          core.NatsClient
	subjectPrefix string
	listening     bool
	subscription  *nats.Subscription
	lock          *sync.Mutex
	validate      *validator.Validate
	ctxt          context.Context
}

// GetNatsEventSource define EventSource listening on subjectPrefix
func GetNatsEventSource(
	opContext context.Context, natsClient core.NatsClient, subjectPrefix string,
) (EventSource, error) {
	logTags := log.Fields{
		"module":    "cloud",
		"component": "nats-event-source",
		"subject":   defineAnnounceSubject(subjectPrefix),
	}
	if subjectPrefix == "" {
		err := fmt.Errorf("announce subject prefix is empty")
		log.WithError(err).WithFields(logTags).Error("Unable to define event source")
		return nil, err
	}
	return &natsEventSourceImpl{
		Component:     common.Component{LogTags: logTags},
		nats:          natsClient,
		subjectPrefix: subjectPrefix,
		listening:     false,
		subscription:  nil,
		lock:          &sync.Mutex{},
		validate:      validator.New(),
		ctxt:          opContext,
	}, nil
}

// StartListening begin receiving announcement events
func (s *natsEventSourceImpl) StartListening(wg *sync.WaitGroup, router EventRouter) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	// Already listening
	if s.listening {
		return fmt.Errorf("already instructed to listen on %s", s.subjectPrefix)
	}
	s.listening = true
	subject := defineAnnounceSubject(s.subjectPrefix)
	sub, err := s.nats.NATs().Subscribe(subject, func(msg *nats.Msg) {
		// Process the message
		var announcement DeviceAnnouncement
		if err := json.Unmarshal(msg.Data, &announcement); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Failed to read announcement: %s", msg.Data,
			)
			return
		}
		// Validate the message
		if err := s.validate.Struct(&announcement); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Failed to validate announcement: %s", msg.Data,
			)
			return
		}
		announcement.ReceivedAt = time.Now()
		event := strings.TrimPrefix(msg.Subject, fmt.Sprintf("%s.", s.subjectPrefix))
		// Forward the message
		log.WithFields(s.LogTags).Debugf(
			"Received '%s' from %s", event, announcement.DeviceID,
		)
		if err := router.Route(s.ctxt, event, announcement); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Handler failed on event '%s'", event,
			)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to subscribe to announce subject %s", subject,
		)
		return err
	}
	s.subscription = sub
	// Handler to automatically un-subscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-s.ctxt.Done()
		log.WithFields(s.LogTags).Debugf("Unsubscribing from announce subject %s", subject)
		if err := s.subscription.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Error occurred when unsubscribing from announce subject %s", subject,
			)
		}
		log.WithFields(s.LogTags).Infof("Unsubscribed from announce subject %s", subject)
	}()
	log.WithFields(s.LogTags).Infof("Listening for announcements on %s", subject)
	return nil
}

// ==============================================================================

// natsRemoteInvokerImpl implements RemoteInvoker over NATS request / reply
type natsRemoteInvokerImpl struct {
	common.Component
	nats        core.NatsClient
	callTimeout time.Duration
}

// GetNatsRemoteInvoker define RemoteInvoker
func GetNatsRemoteInvoker(
	natsClient core.NatsClient, instance string, callTimeout time.Duration,
) (RemoteInvoker, error) {
	logTags := log.Fields{
		"module":    "cloud",
		"component": "nats-remote-invoker",
		"instance":  instance,
	}
	return &natsRemoteInvokerImpl{
		Component:   common.Component{LogTags: logTags},
		nats:        natsClient,
		callTimeout: callTimeout,
	}, nil
}

// Invoke call function on a device with a single string argument
func (c *natsRemoteInvokerImpl) Invoke(
	ctxt context.Context, deviceID, function, argument string,
) error {
	subject := defineDeviceCallSubject(deviceID, function)
	callCtxt, cancel := context.WithTimeout(ctxt, c.callTimeout)
	defer cancel()
	log.WithFields(c.LogTags).Debugf("Calling '%s' on %s", function, deviceID)
	if _, err := c.nats.NATs().RequestWithContext(
		callCtxt, subject, []byte(argument),
	); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Failed to call '%s' on %s", function, deviceID,
		)
		return err
	}
	log.WithFields(c.LogTags).Debugf("Called '%s' on %s", function, deviceID)
	return nil
}
