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
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livefeed/cloud"
	"github.com/alwitt/livefeed/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrUnknownCredential presented nonce was never issued, already consumed, or expired
var ErrUnknownCredential = errors.New("unknown credential")

// ErrAddressMismatch presented nonce is bound to a different source address
var ErrAddressMismatch = errors.New("source address mismatch")

// announceEvent is the event name a device publishes to request a connection
const announceEvent = "devicesRequest"

// connectFunction is the remote function receiving the out-of-band connect message
const connectFunction = "devices"

// nonceByteLen raw length of a nonce before hex encoding
const nonceByteLen = 16

// ConnectionGate issues one-time connection credentials bound to a claimed source
// address, and validates each credential at most once
type ConnectionGate interface {
	// RequestAuthorization mint a new single-use nonce bound to claimedAddress
	RequestAuthorization(ctxt context.Context, claimedAddress string) (string, error)
	// Validate consume nonce and check that observedAddress matches the bound claim.
	// The nonce is removed regardless of outcome.
	Validate(ctxt context.Context, nonce, observedAddress string) error
	// SweepExpired remove authorizations older than the TTL, returning the number removed
	SweepExpired(ctxt context.Context) int
	// HandleAnnouncement process a device connection request event
	HandleAnnouncement(
		ctxt context.Context, event string, announcement cloud.DeviceAnnouncement,
	) error
	// PendingCount number of authorizations awaiting presentation
	PendingCount() int
}

// GateParams parameters for defining a ConnectionGate
type GateParams struct {
	// AdvertisedAddress is the server address sent to devices. If empty, connection
	// request events are dropped.
	AdvertisedAddress string
	// AdvertisedPort is the server port sent to devices
	AdvertisedPort uint16 `validate:"required,gt=0"`
	// AuthTTL validity window of an issued authorization
	AuthTTL time.Duration `validate:"required"`
	// AllowAnyDevice when true skips the allow-list check
	AllowAnyDevice bool
	// AllowList answers device allow-list queries. Required when AllowAnyDevice is false.
	AllowList cloud.AllowListProvider
	// Invoker delivers the out-of-band connect message to the device
	Invoker cloud.RemoteInvoker `validate:"required"`
}

// pendingAuthorization one issued nonce awaiting presentation
type pendingAuthorization struct {
	nonce           string
	expectedAddress string
	createdAt       time.Time
}

// connectionGateImpl implements ConnectionGate
type connectionGateImpl struct {
	common.Component
	params  GateParams
	pending map[string]pendingAuthorization
	lock    *sync.Mutex
}

// GetConnectionGate define a new ConnectionGate
func GetConnectionGate(params GateParams, instance string) (ConnectionGate, error) {
	logTags := log.Fields{
		"module":    "gate",
		"component": "connection-gate",
		"instance":  instance,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection gate")
		return nil, err
	}
	if !params.AllowAnyDevice && params.AllowList == nil {
		err := fmt.Errorf("allow-list provider required when not allowing any device")
		log.WithError(err).WithFields(logTags).Error("Unable to define connection gate")
		return nil, err
	}
	return &connectionGateImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		pending:   make(map[string]pendingAuthorization),
		lock:      &sync.Mutex{},
	}, nil
}

// RequestAuthorization mint a new single-use nonce bound to claimedAddress
func (g *connectionGateImpl) RequestAuthorization(
	ctxt context.Context, claimedAddress string,
) (string, error) {
	buf := make([]byte, nonceByteLen)
	if _, err := rand.Read(buf); err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Nonce generation failed")
		return "", err
	}
	nonce := hex.EncodeToString(buf)
	g.lock.Lock()
	defer g.lock.Unlock()
	g.pending[nonce] = pendingAuthorization{
		nonce:           nonce,
		expectedAddress: claimedAddress,
		createdAt:       time.Now(),
	}
	log.WithFields(g.LogTags).Debugf("Issued authorization for %s", claimedAddress)
	return nonce, nil
}

// Validate consume nonce and check that observedAddress matches the bound claim
func (g *connectionGateImpl) Validate(
	ctxt context.Context, nonce, observedAddress string,
) error {
	g.lock.Lock()
	g.sweepLocked(time.Now())
	entry, ok := g.pending[nonce]
	if ok {
		// Single use. The entry is gone even if the address check fails.
		delete(g.pending, nonce)
	}
	g.lock.Unlock()
	if !ok {
		log.WithFields(g.LogTags).Warnf(
			"Rejected connection from %s: unknown credential", observedAddress,
		)
		return ErrUnknownCredential
	}
	if !MatchClaimedAddress(entry.expectedAddress, observedAddress) {
		log.WithFields(g.LogTags).Warnf(
			"Rejected connection from %s: credential bound to %s",
			observedAddress, entry.expectedAddress,
		)
		return ErrAddressMismatch
	}
	log.WithFields(g.LogTags).Infof("Authorized connection from %s", observedAddress)
	return nil
}

// SweepExpired remove authorizations older than the TTL
func (g *connectionGateImpl) SweepExpired(ctxt context.Context) int {
	g.lock.Lock()
	defer g.lock.Unlock()
	removed := g.sweepLocked(time.Now())
	if removed > 0 {
		log.WithFields(g.LogTags).Infof("Swept %d expired authorizations", removed)
	}
	return removed
}

// sweepLocked sweep helper. Caller must hold the lock.
func (g *connectionGateImpl) sweepLocked(now time.Time) int {
	removed := 0
	for nonce, entry := range g.pending {
		if now.Sub(entry.createdAt) > g.params.AuthTTL {
			delete(g.pending, nonce)
			removed++
		}
	}
	return removed
}

// PendingCount number of authorizations awaiting presentation
func (g *connectionGateImpl) PendingCount() int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return len(g.pending)
}

// HandleAnnouncement process a device connection request event
func (g *connectionGateImpl) HandleAnnouncement(
	ctxt context.Context, event string, announcement cloud.DeviceAnnouncement,
) error {
	if event != announceEvent {
		log.WithFields(g.LogTags).Debugf("Ignoring event '%s'", event)
		return nil
	}
	if !g.params.AllowAnyDevice {
		allowed, err := g.params.AllowList.Allowed(ctxt, announcement.DeviceID)
		if err != nil {
			log.WithError(err).WithFields(g.LogTags).Errorf(
				"Allow-list lookup failed for %s", announcement.DeviceID,
			)
			return err
		}
		if !allowed {
			log.WithFields(g.LogTags).Warnf("Unknown device %s", announcement.DeviceID)
			return nil
		}
	}
	if g.params.AdvertisedAddress == "" {
		log.WithFields(g.LogTags).Warn("Server address is unknown, ignoring request")
		return nil
	}

	nonce, err := g.RequestAuthorization(ctxt, announcement.Address)
	if err != nil {
		return err
	}

	// The argument must stay within the device's fixed-size buffer: address and port
	// take ~22 bytes, leaving ample room for the 32 char hex nonce within 64 bytes.
	arg := fmt.Sprintf("%s,%d,%s", g.params.AdvertisedAddress, g.params.AdvertisedPort, nonce)

	if err := g.params.Invoker.Invoke(
		ctxt, announcement.DeviceID, connectFunction, arg,
	); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Failed to deliver connect message to %s", announcement.DeviceID,
		)
		return err
	}
	log.WithFields(g.LogTags).Infof(
		"Sent connect message to %s for %s", announcement.DeviceID, announcement.Address,
	)
	return nil
}
