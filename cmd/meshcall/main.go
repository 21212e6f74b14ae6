/*
Copyright 2022 The Matrix.org Foundation C.I.C.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/matrix-org/meshcall/pkg/call"
	"github.com/matrix-org/meshcall/pkg/config"
	"github.com/matrix-org/meshcall/pkg/identity"
	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/profiling"
	"github.com/matrix-org/meshcall/pkg/signaling"
	"github.com/matrix-org/meshcall/pkg/telemetry"
	"github.com/matrix-org/meshcall/pkg/webrtc_ext"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	// A `.env` next to the binary may carry `CONFIG`; its absence is fine.
	_ = godotenv.Load()

	// Parse command line flags.
	var (
		configFilePath = flag.String("config", "config.yaml", "configuration file path")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
		callees        = flag.String("call", "", "comma separated `participants` to call on start")
		autoAnswer     = flag.Bool("autoAnswer", false, "answer incoming calls automatically")
	)
	flag.Parse()

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	// Functions that are called before exiting, in reverse order.
	deferredFunctions := []func(){}
	exit := func(code int) {
		for i := len(deferredFunctions) - 1; i >= 0; i-- {
			deferredFunctions[i]()
		}
		os.Exit(code)
	}

	if *cpuProfile != "" {
		stop, err := profiling.StartCPUProfile(*cpuProfile)
		if err != nil {
			logrus.WithError(err).Fatal("could not start CPU profiling")
		}
		deferredFunctions = append(deferredFunctions, stop)
	}
	if *memProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.HeapProfileWriter(*memProfile))
	}

	// Load the config file from the environment variable or path.
	config, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logrus.WithError(err).Error("could not load config")
		exit(1)
	}

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if config.Telemetry.Enabled() {
		provider, err := telemetry.SetupTelemetry(context.Background(), config.Telemetry)
		if err != nil {
			logrus.WithError(err).Error("could not set up telemetry")
			exit(1)
		}
		deferredFunctions = append(deferredFunctions, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(ctx); err != nil {
				logrus.WithError(err).Warn("could not flush spans")
			}
		})
	}

	if config.MetricsAddress != "" {
		server := serveMetrics(config.MetricsAddress)
		deferredFunctions = append(deferredFunctions, func() { server.Close() })
	}

	local, err := identity.FromConfig(config.Identity)
	if err != nil {
		logrus.WithError(err).Error("could not establish identity")
		exit(1)
	}
	logger := logrus.WithField("user_id", local.UserID)

	factory, err := webrtc_ext.NewPeerConnectionFactory(config.WebRTC)
	if err != nil {
		logger.WithError(err).Error("could not create peer connection factory")
		exit(1)
	}

	controller := media.NewController(media.NewSyntheticCapturer(), logger)
	channel := signaling.NewChannel(config.Signaling, logger)
	channel.OnStatusChange(func(status signaling.Status) {
		logger.WithField("status", status).Info("signaling status changed")
	})

	orchestrator, err := call.New(config.Call, local, channel, controller, factory, logger)
	if err != nil {
		logger.WithError(err).Error("could not create call orchestrator")
		exit(1)
	}
	deferredFunctions = append(deferredFunctions, channel.Close, orchestrator.Close)

	channel.OnMessage(orchestrator.HandleEnvelope)
	go logNotifications(orchestrator, *autoAnswer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	deferredFunctions = append(deferredFunctions, cancel)

	if err := channel.Connect(ctx, newTransport(config.Signaling, logger)); err != nil {
		logger.WithError(err).Error("could not connect to signaling")
		exit(1)
	}

	if *callees != "" {
		if err := orchestrator.StartCall("", strings.Split(*callees, ",")); err != nil {
			logger.WithError(err).Error("could not start call")
		}
	}

	// Handle signal interruptions.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals

	logger.Info("shutting down")
	exit(0)
}

func newTransport(config signaling.Config, logger *logrus.Entry) signaling.Transport {
	if config.Transport == signaling.TransportMatrix {
		return signaling.NewMatrixTransport(config.Matrix, logger)
	}

	return signaling.NewWebSocketTransport(config.WebSocket, logger)
}

func serveMetrics(address string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logrus.WithField("address", address).Info("serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("metrics server stopped")
		}
	}()

	return server
}

// Logs what happens in calls, answering incoming ones if asked to.
func logNotifications(orchestrator *call.Orchestrator, autoAnswer bool, logger *logrus.Entry) {
	notifications, unsubscribe := orchestrator.Subscribe()
	defer unsubscribe()

	for notification := range notifications {
		switch notification := notification.(type) {
		case call.StateChanged:
			snapshot := notification.Snapshot
			logger.WithFields(logrus.Fields{
				"call_id":      snapshot.Session.CallID,
				"state":        snapshot.State(),
				"participants": len(snapshot.Participants),
			}).Info("call updated")
		case call.IncomingCall:
			logger := logger.WithFields(logrus.Fields{"call_id": notification.CallID, "from": notification.From})
			logger.Info("incoming call")

			if autoAnswer {
				if err := orchestrator.AnswerCall(notification.CallID, notification.From, ""); err != nil {
					logger.WithError(err).Warn("could not answer call")
				}
			}
		case call.IncomingCallCancelled:
			logger.WithField("call_id", notification.CallID).Info("incoming call cancelled")
		case call.StreamAvailable:
			logger.WithFields(logrus.Fields{
				"participant_id": notification.ParticipantID,
				"track_id":       notification.Track.TrackID,
				"kind":           notification.Track.Kind,
			}).Info("remote track available")
		case call.StreamEnded:
			logger.WithField("participant_id", notification.ParticipantID).Info("remote track ended")
		}
	}
}
