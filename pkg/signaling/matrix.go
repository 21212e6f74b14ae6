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

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// To-device event type carrying signaling envelopes between Matrix users.
var SignalEventType = event.Type{Type: "org.matrix.meshcall.signal", Class: event.ToDeviceEventType}

var ErrWrongMatrixUser = errors.New("access token is for the wrong user")

// MatrixTransport delivers envelopes as to-device events, addressing the
// recipient's user ID on all of their devices.
type MatrixTransport struct {
	config MatrixConfig
	logger *logrus.Entry
}

func NewMatrixTransport(config MatrixConfig, logger *logrus.Entry) *MatrixTransport {
	return &MatrixTransport{
		config: config,
		logger: logger.WithFields(logrus.Fields{
			"transport": TransportMatrix,
			"user_id":   config.UserID,
		}),
	}
}

func (t *MatrixTransport) Dial(ctx context.Context) (Conn, error) {
	client, err := mautrix.NewClient(t.config.HomeserverURL, t.config.UserID, t.config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	whoami, err := client.Whoami()
	if err != nil {
		return nil, fmt.Errorf("failed to identify user: %w", err)
	}

	if t.config.UserID != whoami.UserID {
		return nil, fmt.Errorf("%w: %s", ErrWrongMatrixUser, whoami.UserID)
	}

	t.logger.WithField("device_id", whoami.DeviceID).Info("identified as device")
	client.DeviceID = whoami.DeviceID

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return nil, errors.New("syncer is not DefaultSyncer")
	}

	conn := &matrixConn{
		client:   client,
		logger:   t.logger,
		incoming: make(chan Envelope, 64),
		failed:   make(chan error, 1),
		done:     make(chan struct{}),
	}

	syncer.ParseEventContent = false
	syncer.OnEvent(conn.onEvent)

	go func() {
		err := client.Sync()
		if err == nil {
			err = errors.New("sync stopped")
		}
		conn.failed <- err
	}()

	return conn, nil
}

type matrixConn struct {
	client    *mautrix.Client
	logger    *logrus.Entry
	incoming  chan Envelope
	failed    chan error
	done      chan struct{}
	closeOnce sync.Once
}

func (c *matrixConn) onEvent(_ mautrix.EventSource, evt *event.Event) {
	// We also receive presence and push rule events; we only care about our own
	// to-device events.
	if evt.Type.Type != SignalEventType.Type {
		return
	}

	var envelope Envelope
	if err := json.Unmarshal(evt.Content.VeryRaw, &envelope); err != nil {
		c.logger.WithError(err).WithField("sender", evt.Sender).Warn("ignoring undecodable signaling event")
		return
	}

	// The homeserver knows who sent the event, the content does not get to decide.
	envelope.FromParticipantID = evt.Sender.String()

	select {
	case c.incoming <- envelope:
	case <-c.done:
	}
}

func (c *matrixConn) Read() (Envelope, error) {
	select {
	case envelope := <-c.incoming:
		return envelope, nil
	case err := <-c.failed:
		return Envelope{}, fmt.Errorf("sync failed: %w", err)
	case <-c.done:
		return Envelope{}, ErrClosed
	}
}

func (c *matrixConn) Write(envelope Envelope) error {
	request := &mautrix.ReqSendToDevice{
		Messages: map[id.UserID]map[id.DeviceID]*event.Content{
			id.UserID(envelope.ToParticipantID): {
				"*": &event.Content{Parsed: envelope},
			},
		},
	}

	if _, err := c.client.SendToDevice(SignalEventType, request); err != nil {
		return fmt.Errorf("failed to send to-device event: %w", err)
	}

	return nil
}

func (c *matrixConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.client.StopSync()
	})

	return nil
}
