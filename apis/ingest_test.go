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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livefeed/broadcast"
	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/gate"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// dummyInvoker no-op remote invoker for wiring up a gate in tests
type dummyInvoker struct{}

func (i *dummyInvoker) Invoke(ctxt context.Context, deviceID, function, argument string) error {
	return nil
}

func TestIngestEndpoint(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	connGate, err := gate.GetConnectionGate(gate.GateParams{
		AdvertisedAddress: "192.168.2.1",
		AdvertisedPort:    8070,
		AuthTTL:           time.Minute,
		AllowAnyDevice:    true,
		Invoker:           &dummyInvoker{},
	}, "ut-ingest")
	assert.Nil(err)

	registry, err := broadcast.GetChannelRegistry(utCtxt, &wg)
	assert.Nil(err)
	channel, err := registry.CreateChannel("data", 0)
	assert.Nil(err)

	uut, err := GetAPIRestIngestHandler(utCtxt, connGate, channel, &common.HTTPConfig{})
	assert.Nil(err)

	// httptest requests carry this address unless told otherwise
	testClientHost := "192.0.2.1"

	// Case 0: no credential
	{
		req := httptest.NewRequest("POST", "/v1/ingest", bytes.NewBufferString("hello\n"))

		respRecorder := httptest.NewRecorder()
		handler := uut.UploadDataHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusUnauthorized, respRecorder.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.False(msg.Success)
	}

	// Case 1: unknown credential
	{
		req := httptest.NewRequest("POST", "/v1/ingest", bytes.NewBufferString("hello\n"))
		req.Header.Set("Authorization", "0123456789abcdef0123456789abcdef")

		respRecorder := httptest.NewRecorder()
		handler := uut.UploadDataHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusUnauthorized, respRecorder.Code)
	}

	// Case 2: credential bound to another address
	{
		nonce, err := connGate.RequestAuthorization(utCtxt, "192.168.2.170")
		assert.Nil(err)
		req := httptest.NewRequest("POST", "/v1/ingest", bytes.NewBufferString("hello\n"))
		req.Header.Set("Authorization", nonce)

		respRecorder := httptest.NewRecorder()
		handler := uut.UploadDataHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusUnauthorized, respRecorder.Code)
	}

	// Case 3: valid credential but wrong method. The credential check runs first, so
	// the credential is still consumed.
	{
		nonce, err := connGate.RequestAuthorization(utCtxt, testClientHost)
		assert.Nil(err)
		req := httptest.NewRequest("GET", "/v1/ingest", nil)
		req.Header.Set("Authorization", nonce)

		respRecorder := httptest.NewRecorder()
		handler := uut.UploadDataHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusMethodNotAllowed, respRecorder.Code)
		assert.Equal(0, connGate.PendingCount())
	}

	// Case 4: valid upload. Every non-empty line reaches the channel in order.
	var spentNonce string
	{
		subscription := channel.Subscribe()
		defer channel.Unsubscribe(subscription)

		spentNonce, err = connGate.RequestAuthorization(utCtxt, testClientHost)
		assert.Nil(err)
		body := "line one\n\nline two\nline three\n"
		req := httptest.NewRequest("POST", "/v1/ingest", bytes.NewBufferString(body))
		req.Header.Set("Authorization", spentNonce)

		respRecorder := httptest.NewRecorder()
		handler := uut.UploadDataHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)

		expected := []string{
			broadcast.DataFrame("line one"),
			broadcast.DataFrame("line two"),
			broadcast.DataFrame("line three"),
		}
		for _, want := range expected {
			select {
			case got, ok := <-subscription.Frames():
				assert.True(ok)
				assert.Equal(want, got)
			default:
				assert.FailNow("expected frame not delivered")
			}
		}
	}

	// Case 5: the credential from case 4 is spent
	{
		req := httptest.NewRequest("POST", "/v1/ingest", bytes.NewBufferString("again\n"))
		req.Header.Set("Authorization", spentNonce)

		respRecorder := httptest.NewRecorder()
		handler := uut.UploadDataHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusUnauthorized, respRecorder.Code)
	}
}
