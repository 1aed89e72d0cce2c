// Package report publishes session transitions to an MQTT broker so that a
// fleet backend can follow updates without polling the device.
package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/autopeer-io/otaupdater/internal/pkg/metrics"
	"github.com/autopeer-io/otaupdater/internal/updater/ota"
	"github.com/autopeer-io/otaupdater/pkg/log"
	"github.com/autopeer-io/otaupdater/pkg/mqtt"
	"github.com/autopeer-io/otaupdater/pkg/mqtt/topic"
)

const (
	qosAtLeastOnce = 1
	queueSize      = 16
	publishTimeout = 5 * time.Second
)

// MQTT is an ota.Observer that publishes every transition as a retained
// message on {root}/{deviceID}/ota/status. Transitions are queued so that the
// session never waits on the broker.
type MQTT struct {
	client   mqtt.Client
	topics   *topic.Builder
	deviceID string

	queue chan ota.Transition
	wake  chan struct{}

	// sendMu serializes draining so transitions reach the broker in order.
	sendMu sync.Mutex
	closed bool

	mu      sync.Mutex
	dropped int

	log log.Logger
}

var (
	_ ota.Observer = (*MQTT)(nil)
	_ ota.Flusher  = (*MQTT)(nil)
)

func NewMQTT(client mqtt.Client, topics *topic.Builder, deviceID string) *MQTT {
	return &MQTT{
		client:   client,
		topics:   topics,
		deviceID: deviceID,
		queue:    make(chan ota.Transition, queueSize),
		wake:     make(chan struct{}, 1),
		log:      log.WithName("Report"),
	}
}

// OfflinePayload is the last will registered for deviceID.
func OfflinePayload(deviceID string) ([]byte, error) {
	return presence(deviceID, false, "UnexpectedDisconnect")
}

// OnTransition enqueues tr. When the queue is full the transition is dropped.
func (r *MQTT) OnTransition(_ context.Context, tr ota.Transition) {
	select {
	case r.queue <- tr:
		select {
		case r.wake <- struct{}{}:
		default:
		}
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.log.Warn("Status queue full, dropping transition", "state", tr.To)
	}
}

// Run connects, announces the device online and publishes queued
// transitions until ctx is done. Unless Flush already ran, pending
// transitions are then flushed before the device is announced offline.
func (r *MQTT) Run(ctx context.Context) error {
	if err := r.client.Start(ctx); err != nil {
		return fmt.Errorf("start mqtt client: %w", err)
	}

	announced := make(chan struct{})
	go func() {
		defer close(announced)
		if err := r.client.AwaitConnection(ctx); err != nil {
			return
		}
		r.sendMu.Lock()
		defer r.sendMu.Unlock()
		if r.closed {
			return
		}
		metrics.ReporterConnected.Set(1)
		if payload, err := presence(r.deviceID, true, ""); err == nil {
			_ = r.publish(ctx, r.topics.Online(r.deviceID), payload)
		}
	}()

	for {
		select {
		case <-r.wake:
			r.drain(ctx)
		case <-ctx.Done():
			<-announced
			return r.shutdown()
		}
	}
}

func (r *MQTT) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	return r.Flush(ctx)
}

// Flush publishes every queued transition, announces the device offline
// with reason Shutdown and disconnects cleanly, so the broker does not fire
// the last will. Transitions arriving afterwards are discarded.
func (r *MQTT) Flush(ctx context.Context) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	if r.closed {
		return nil
	}
	r.drainLocked(ctx)

	var err error
	payload, perr := presence(r.deviceID, false, "Shutdown")
	if perr == nil {
		err = r.publish(ctx, r.topics.Online(r.deviceID), payload)
	}
	r.client.Disconnect(ctx)
	r.closed = true
	metrics.ReporterConnected.Set(0)

	if perr != nil {
		return perr
	}
	return err
}

func (r *MQTT) drain(ctx context.Context) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	r.drainLocked(ctx)
}

func (r *MQTT) drainLocked(ctx context.Context) {
	for {
		select {
		case tr := <-r.queue:
			if r.closed {
				r.log.Debug("Reporter closed, discarding transition", "state", tr.To)
				continue
			}
			r.send(ctx, tr)
		default:
			return
		}
	}
}

func (r *MQTT) send(ctx context.Context, tr ota.Transition) {
	payload, err := StatusPayload(r.deviceID, tr)
	if err != nil {
		r.log.Error(err, "Failed to encode status", "state", tr.To)
		return
	}
	_ = r.publish(ctx, r.topics.Status(r.deviceID), payload)
}

func (r *MQTT) publish(ctx context.Context, topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := r.client.Publish(ctx, topic, qosAtLeastOnce, true, payload); err != nil {
		r.log.Error(err, "Failed to publish status", "topic", topic)
		return err
	}
	r.log.Debug("Status published", "topic", topic)
	return nil
}

// Dropped returns how many transitions were discarded on a full queue.
func (r *MQTT) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// StatusPayload encodes tr as JSON through a protobuf Struct.
func StatusPayload(deviceID string, tr ota.Transition) ([]byte, error) {
	fields := map[string]any{
		"deviceId":     deviceID,
		"sessionId":    tr.SessionID,
		"state":        string(tr.To),
		"from":         string(tr.From),
		"bytesWritten": tr.BytesWritten,
		"timestamp":    tr.At.UTC().Format(time.RFC3339Nano),
	}
	if tr.Partition.Label != "" {
		fields["partition"] = tr.Partition.Label
	}
	if tr.Err != nil {
		fields["reason"] = string(tr.Err.Reason)
		fields["error"] = tr.Err.Error()
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(st)
}

func presence(deviceID string, online bool, reason string) ([]byte, error) {
	fields := map[string]any{
		"deviceId": deviceID,
		"online":   online,
	}
	if reason != "" {
		fields["reason"] = reason
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(st)
}
