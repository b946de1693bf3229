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
	"bufio"
	"context"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livefeed/broadcast"
	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/gate"
	"github.com/apex/log"
)

// APIRestIngestHandler REST handler for the authorized device upload stream
type APIRestIngestHandler struct {
	goutils.RestAPIHandler
	gate        gate.ConnectionGate
	channel     broadcast.Channel
	baseContext context.Context
}

// GetAPIRestIngestHandler define APIRestIngestHandler
func GetAPIRestIngestHandler(
	baseContext context.Context,
	connGate gate.ConnectionGate,
	channel broadcast.Channel,
	httpConfig *common.HTTPConfig,
) (APIRestIngestHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "device-ingest",
	}
	return APIRestIngestHandler{
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
		gate:        connGate,
		channel:     channel,
		baseContext: baseContext,
	}, nil
}

// UploadData godoc
// @Summary Device data upload
// @Description Accepts the newline-delimited upload stream of an authorized device.
// The single-use authorization nonce is presented in the Authorization header and
// must match the source address it was bound to. Each non-empty line of the body is
// broadcast to the feed subscribers as it arrives.
// @tags Ingest
// @Accept plain
// @Produce json
// @Param Authorization header string true "Single-use authorization nonce"
// @Param data body string true "Newline-delimited records"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 405 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ingest [post]
func (h APIRestIngestHandler) UploadData(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	remoteAddr := r.RemoteAddr

	// The credential check comes before everything else, including the method check
	nonce := r.Header.Get("Authorization")
	if err := h.gate.Validate(r.Context(), nonce, remoteAddr); err != nil {
		msg := "Unauthorized connection"
		log.WithError(err).WithFields(localLogTags).Warnf("%s from %s", msg, remoteAddr)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, msg)
		return
	}

	if r.Method != http.MethodPost {
		msg := "Unsupported method"
		log.WithFields(localLogTags).Warnf("%s '%s' from %s", msg, r.Method, remoteAddr)
		respCode = http.StatusMethodNotAllowed
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusMethodNotAllowed, msg, msg)
		return
	}

	log.WithFields(localLogTags).Infof("Accepting upload stream from %s", remoteAddr)

	// Forward the body line by line as it arrives
	lines := bufio.NewScanner(r.Body)
	received := 0
	for lines.Scan() {
		oneLine := lines.Text()
		if len(oneLine) > 0 {
			h.channel.PublishData(oneLine)
			received++
		}
	}
	if err := lines.Err(); err != nil {
		// The device went away mid-stream. The messages already broadcast stand.
		log.WithError(err).WithFields(localLogTags).Infof(
			"Upload stream from %s ended early", remoteAddr,
		)
	}

	log.WithFields(localLogTags).Infof(
		"Upload stream from %s complete after %d records", remoteAddr, received,
	)
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// UploadDataHandler Wrapper around UploadData
func (h APIRestIngestHandler) UploadDataHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UploadData(w, r)
	}
}
