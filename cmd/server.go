// Copyright 2022 The hookwatch Authors
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

// Package cmd assembles and runs the hook server
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/hookwatch/apis"
	"github.com/alwitt/hookwatch/common"
	"github.com/alwitt/hookwatch/core"
	"github.com/alwitt/hookwatch/metrics"
	"github.com/alwitt/hookwatch/registry"
	"github.com/alwitt/hookwatch/relay"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// HookServerRuntime the components a running hook server is assembled from
type HookServerRuntime struct {
	// Registry the subscription registry
	Registry registry.Registry
	// Relay carries captured events into the registry
	Relay relay.Relay
	// Metrics the Prometheus collectors
	Metrics *metrics.Collectors
}

// BuildHookServerRouter define the HTTP router of the hook server
func BuildHookServerRouter(
	runTimeContext context.Context,
	config common.HookServerConfig,
	instance string,
	runtime HookServerRuntime,
	wg *sync.WaitGroup,
) (*mux.Router, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "hook-server",
		"instance":  instance,
	}

	endpoints := config.Endpoints
	paths := apis.PagePaths{
		CaptureRoot:   apis.JoinURLPath(endpoints.PathPrefix, endpoints.CapturePrefix) + "/",
		ConsoleRoot:   apis.JoinURLPath(endpoints.PathPrefix, endpoints.ConsolePrefix) + "/",
		CreateAction:  apis.JoinURLPath(endpoints.PathPrefix, "/create_endpoint"),
		WebsocketPath: apis.JoinURLPath(endpoints.PathPrefix, endpoints.WebsocketPath),
	}

	captureHandler, err := apis.GetAPIRestCaptureHandler(
		config.HTTPSetting, paths.CaptureRoot, endpoints.MaxBodyBytes, runtime.Relay, runtime.Metrics,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define capture handler")
		return nil, err
	}
	viewerHandler, err := apis.GetAPIViewerHandler(
		runTimeContext,
		config.HTTPSetting,
		config.Session,
		runtime.Registry,
		runtime.Metrics,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define viewer handler")
		return nil, err
	}
	pageHandler, err := apis.GetAPIPageHandler(config.HTTPSetting, paths)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define page handler")
		return nil, err
	}
	healthHandler, err := apis.GetAPIRestHealthHandler(
		config.HTTPSetting, runtime.Relay, runtime.Registry,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define health handler")
		return nil, err
	}

	router := mux.NewRouter()
	// Identifiers may hold "//" or "."
	router.SkipClean(true)
	mainRouter := apis.RegisterPathPrefix(router, endpoints.PathPrefix, nil)

	// Capture, any method
	mainRouter.PathPrefix(endpoints.CapturePrefix + "/").HandlerFunc(captureHandler.CaptureHandler())

	// Viewer
	_ = apis.RegisterPathPrefix(mainRouter, endpoints.WebsocketPath, map[string]http.HandlerFunc{
		"get": viewerHandler.ConnectHandler(),
	})

	// Pages
	mainRouter.Methods("GET").Path("/").HandlerFunc(pageHandler.HomeHandler())
	_ = apis.RegisterPathPrefix(mainRouter, "/create_endpoint", map[string]http.HandlerFunc{
		"post": pageHandler.CreateEndpointHandler(),
	})
	mainRouter.Methods("GET").
		PathPrefix(endpoints.ConsolePrefix + "/").
		HandlerFunc(pageHandler.ConsoleHandler())

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", map[string]http.HandlerFunc{
		"get": healthHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", map[string]http.HandlerFunc{
		"get": healthHandler.ReadyHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/status", map[string]http.HandlerFunc{
		"get": healthHandler.StatusHandler(),
	})
	mainRouter.Methods("GET").Path("/metrics").Handler(runtime.Metrics.Handler())

	// Add logging
	accessLog := apis.GetAccessLogWriter(instance)
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})

	return router, nil
}

// DefineRelay define the event relay selected by the config. The returned function
// releases the broker connection.
func DefineRelay(
	runTimeContext context.Context,
	config common.RelayConfig,
	instance string,
	subscriptions registry.Registry,
	collectors *metrics.Collectors,
) (relay.Relay, func(), error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay-setup",
		"instance":  instance,
	}
	switch config.Mode {
	case common.RelayModeLocal:
		eventRelay, err := relay.GetLocalRelay(subscriptions, instance)
		return eventRelay, func() {}, err

	case common.RelayModeNATS:
		if config.NATS == nil {
			return nil, nil, fmt.Errorf("NATS relay requires NATS configuration")
		}
		natsClient, err := core.GetNATSClient(core.ConvertNATSConfig(*config.NATS, logTags))
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return nil, nil, err
		}
		eventRelay, err := relay.GetNATSRelay(
			natsClient, config.NATS.Subject, subscriptions, collectors, instance,
		)
		release := func() {
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			natsClient.Close(ctxt)
		}
		if err != nil {
			release()
			return nil, nil, err
		}
		return eventRelay, release, nil

	case common.RelayModeRedis:
		if config.Redis == nil {
			return nil, nil, fmt.Errorf("redis relay requires Redis configuration")
		}
		redisClient, err := core.GetRedisClient(runTimeContext, *config.Redis)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define Redis client with %s", config.Redis.ServerAddr,
			)
			return nil, nil, err
		}
		eventRelay, err := relay.GetRedisRelay(
			redisClient, config.Redis.Channel, subscriptions, collectors, instance,
		)
		if err != nil {
			redisClient.Close()
			return nil, nil, err
		}
		return eventRelay, redisClient.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown relay mode '%s'", config.Mode)
	}
}

// RunHookServer run the hook server until the runtime context is cancelled
func RunHookServer(
	runTimeContext context.Context,
	config common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "hook-server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	collectors, err := metrics.NewCollectors()
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define metrics")
		return err
	}

	subscriptions, err := registry.GetRegistry(instance, collectors)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define subscription registry")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	eventRelay, releaseRelay, err := DefineRelay(
		localCtxt, config.Relay, instance, subscriptions, collectors,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define event relay")
		return err
	}
	defer releaseRelay()
	if err := eventRelay.Start(localCtxt, wg); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start event relay")
		return err
	}
	defer eventRelay.Stop()

	if config.Server.StatusReportInterval > 0 {
		reporter, err := registry.GetStatusReporter(
			localCtxt,
			subscriptions,
			time.Second*time.Duration(config.Server.StatusReportInterval),
			nil,
			wg,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define status reporter")
			return err
		}
		if err := reporter.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to start status reporter")
			return err
		}
		defer func() {
			if err := reporter.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Status reporter stop failed")
			}
		}()
	}

	router, err := BuildHookServerRouter(
		localCtxt,
		config.Server,
		instance,
		HookServerRuntime{Registry: subscriptions, Relay: eventRelay, Metrics: collectors},
		wg,
	)
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverCfg := config.Server.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serverErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	var runErr error
	select {
	case <-runTimeContext.Done():
	case runErr = <-serverErr:
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return runErr
}
