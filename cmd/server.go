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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/livefeed/apis"
	"github.com/alwitt/livefeed/broadcast"
	"github.com/alwitt/livefeed/cloud"
	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/core"
	"github.com/alwitt/livefeed/gate"
	"github.com/alwitt/livefeed/registry"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunServer run the device relay server
func RunServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Device authorization

	var allowList cloud.AllowListProvider
	if !config.Relay.AllowAnyDevice {
		deviceRegistry, err := registry.GetDeviceRegistry(config.Relay.DeviceDB)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to open device registry")
			return err
		}
		defer func() {
			if err := deviceRegistry.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Device registry close failure")
			}
		}()
		allowList = deviceRegistry
	}

	invoker, err := cloud.GetNatsRemoteInvoker(
		natsClient, instance, time.Second*time.Duration(config.Relay.CallTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define remote invoker")
		return err
	}

	connGate, err := gate.GetConnectionGate(gate.GateParams{
		AdvertisedAddress: config.Relay.AdvertisedAddress,
		AdvertisedPort:    config.Relay.AdvertisedPort,
		AuthTTL:           time.Second * time.Duration(config.Relay.AuthTTL),
		AllowAnyDevice:    config.Relay.AllowAnyDevice,
		AllowList:         allowList,
		Invoker:           invoker,
	}, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define connection gate")
		return err
	}

	// Periodically clear out authorizations no device ever presented
	sweepTimer, err := common.GetIntervalTimerInstance("auth-sweep", localCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define sweep timer")
		return err
	}
	if err := sweepTimer.Start(
		time.Second*time.Duration(config.Relay.SweepInterval), func() error {
			connGate.SweepExpired(localCtxt)
			return nil
		}, false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start sweep timer")
		return err
	}

	eventRouter, err := cloud.GetEventRouter(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define event router")
		return err
	}
	if err := eventRouter.RegisterHandler("devices", connGate.HandleAnnouncement); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to register gate handler")
		return err
	}

	eventSource, err := cloud.GetNatsEventSource(
		localCtxt, natsClient, config.Relay.AnnounceSubjectPrefix,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define event source")
		return err
	}
	if err := eventSource.StartListening(wg, eventRouter); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to listen for announcements")
		return err
	}

	// -------------------------------------------------------------------
	// Broadcast feed

	channelRegistry, err := broadcast.GetChannelRegistry(localCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define channel registry")
		return err
	}
	channel, err := channelRegistry.CreateChannel(
		config.Feed.ChannelName, config.Feed.MaxHistory,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define broadcast channel")
		return err
	}
	if err := channelRegistry.StartKeepalive(
		time.Second * time.Duration(config.Feed.KeepaliveInterval),
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start keepalive timer")
		return err
	}

	// -------------------------------------------------------------------
	// REST API handlers

	ingestHandler, err := apis.GetAPIRestIngestHandler(localCtxt, connGate, channel, &config.HTTP)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define ingest handler")
		return err
	}
	feedHandler, err := apis.GetAPIRestFeedHandler(localCtxt, channelRegistry, &config.HTTP)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define feed handler")
		return err
	}
	livenessHandler, err := apis.GetAPIRestLivenessHandler(&natsClient, &config.HTTP)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define liveness handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.HTTP.Endpoints.PathPrefix, nil)

	// Device upload. No method restriction here so an unauthorized caller is
	// turned away before the method is considered.
	ingestRouter := apis.RegisterPathPrefix(mainRouter, "/v1/ingest", nil)
	ingestRouter.Path("").HandlerFunc(ingestHandler.UploadDataHandler())

	// Feed subscription
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/feed/{channelName}", map[string]http.HandlerFunc{
			"get": feedHandler.SubscribeHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": livenessHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": livenessHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(feedHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTP.Server.ListenOn, config.HTTP.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.HTTP.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.HTTP.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTP.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
