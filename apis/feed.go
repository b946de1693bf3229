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

package apis

import (
	"context"
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livefeed/broadcast"
	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
)

// APIRestFeedHandler REST handler for the live feed subscriber side
type APIRestFeedHandler struct {
	goutils.RestAPIHandler
	registry    broadcast.ChannelRegistry
	validate    *validator.Validate
	baseContext context.Context
}

// GetAPIRestFeedHandler define APIRestFeedHandler
func GetAPIRestFeedHandler(
	baseContext context.Context,
	registry broadcast.ChannelRegistry,
	httpConfig *common.HTTPConfig,
) (APIRestFeedHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "live-feed",
	}
	return APIRestFeedHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		registry:    registry,
		validate:    validator.New(),
		baseContext: baseContext,
	}, nil
}

// Subscribe godoc
// @Summary Subscribe to a live feed channel
// @Description Establishes a server-sent event stream carrying the channel's messages.
// A new subscriber first receives the channel's retained history, then live messages
// in publish order. Idle connections are kept open with periodic keepalive comments.
// @tags Feed
// @Produce text/event-stream
// @Param channelName path string true "Feed channel name"
// @Success 200 {string} string "SSE stream"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/feed/{channelName} [get]
func (h APIRestFeedHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	vars := mux.Vars(r)
	channelName, ok := vars["channelName"]
	if !ok {
		msg := "No channel name provided"
		log.WithFields(localLogTags).Error(msg)
		h.reply(
			w,
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg),
			localLogTags,
		)
		return
	}
	if err := h.validate.Var(channelName, "alphanum"); err != nil {
		msg := fmt.Sprintf("Invalid channel name '%s'", channelName)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(
			w,
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg),
			localLogTags,
		)
		return
	}

	channel, ok := h.registry.Get(channelName)
	if !ok {
		msg := fmt.Sprintf("No channel named '%s'", channelName)
		log.WithFields(localLogTags).Error(msg)
		h.reply(
			w,
			http.StatusNotFound,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg),
			localLogTags,
		)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported by connection"
		log.WithFields(localLogTags).Error(msg)
		h.reply(
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg),
			localLogTags,
		)
		return
	}

	// The headers must go out before the first frame
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subscription := channel.Subscribe()
	defer channel.Unsubscribe(subscription)

	log.WithFields(localLogTags).Infof(
		"Subscriber %s joined channel '%s'", subscription.ID(), channelName,
	)
	defer log.WithFields(localLogTags).Infof(
		"Subscriber %s left channel '%s'", subscription.ID(), channelName,
	)

	for {
		select {
		case <-h.baseContext.Done():
			return
		case <-r.Context().Done():
			return
		case oneFrame, ok := <-subscription.Frames():
			if !ok {
				// Dropped by the channel for falling behind
				log.WithFields(localLogTags).Warnf(
					"Subscriber %s of channel '%s' stalled", subscription.ID(), channelName,
				)
				return
			}
			if _, err := w.Write([]byte(oneFrame)); err != nil {
				log.WithError(err).WithFields(localLogTags).Infof(
					"Subscriber %s of channel '%s' disconnected", subscription.ID(), channelName,
				)
				return
			}
			flusher.Flush()
		}
	}
}

// Write logging support
func (h APIRestFeedHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestFeedHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}

func (h APIRestFeedHandler) reply(
	w http.ResponseWriter, respCode int, respBody interface{}, logTags log.Fields,
) {
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to form response")
	}
}

// =======================================================================
// Health Checks

// APIRestLivenessHandler REST handler for liveness and readiness probes
type APIRestLivenessHandler struct {
	goutils.RestAPIHandler
	natsClient *core.NatsClient
}

// GetAPIRestLivenessHandler define APIRestLivenessHandler
func GetAPIRestLivenessHandler(
	natsClient *core.NatsClient, httpConfig *common.HTTPConfig,
) (APIRestLivenessHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "liveness",
	}
	return APIRestLivenessHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		natsClient: natsClient,
	}, nil
}

// Alive godoc
// @Summary Process alive check
// @Description Will return success to indicate the process is still alive
// @tags Liveness
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestLivenessHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestLivenessHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary Process ready check
// @Description Will return success if the process is ready to take requests
// @tags Liveness
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestLivenessHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()
	if h.natsClient != nil && h.natsClient.NATs().Status() != nats.CONNECTED {
		respCode = http.StatusServiceUnavailable
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusServiceUnavailable, "not ready", "NATS not connected",
		)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestLivenessHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
