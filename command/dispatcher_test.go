package command

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/gateway"
	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/protocol"
	"github.com/fleetlink/fleetlink/storage"
)

type queueStore struct {
	commands []*model.Command
}

func (q *queueStore) enqueue(deviceID int64, kind, payload string) *model.Command {
	c := &model.Command{
		ID:        int64(len(q.commands) + 1),
		DeviceID:  deviceID,
		Kind:      kind,
		Payload:   payload,
		Status:    model.CommandPending,
		CreatedAt: time.Now().UTC().Add(time.Duration(len(q.commands)) * time.Millisecond),
	}
	q.commands = append(q.commands, c)
	return c
}

func (q *queueStore) byID(id int64) *model.Command {
	for _, c := range q.commands {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (q *queueStore) oldest(deviceID int64, status model.CommandStatus) (*model.Command, error) {
	for _, c := range q.commands {
		if c.DeviceID == deviceID && c.Status == status {
			return c, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (q *queueStore) OldestPendingCommand(_ context.Context, deviceID int64) (*model.Command, error) {
	return q.oldest(deviceID, model.CommandPending)
}

func (q *queueStore) OldestSentCommand(_ context.Context, deviceID int64) (*model.Command, error) {
	return q.oldest(deviceID, model.CommandSent)
}

func (q *queueStore) SentCommandByKey(_ context.Context, deviceID int64, key string) (*model.Command, error) {
	for _, c := range q.commands {
		if c.DeviceID == deviceID && c.Status == model.CommandSent && c.Key == key {
			return c, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (q *queueStore) SentCommands(context.Context) ([]*model.Command, error) {
	var sent []*model.Command
	for _, c := range q.commands {
		if c.Status == model.CommandSent {
			sent = append(sent, c)
		}
	}
	return sent, nil
}

func (q *queueStore) MarkCommandSent(_ context.Context, id int64, key string, at time.Time) error {
	c := q.byID(id)
	c.Status = model.CommandSent
	c.Key = key
	c.SentAt = &at
	c.Retries++
	return nil
}

func (q *queueStore) RequeueCommand(_ context.Context, id int64) error {
	c := q.byID(id)
	c.Status = model.CommandPending
	c.SentAt = nil
	return nil
}

func (q *queueStore) ResolveCommand(_ context.Context, id int64, status model.CommandStatus, response string, at time.Time) error {
	c := q.byID(id)
	c.Status = status
	c.Response = response
	c.AckedAt = &at
	return nil
}

// textCodec writes the raw payload and keys acks on the command kind.
type textCodec struct{ commands bool }

func (textCodec) Protocol() string { return "text" }

func (textCodec) Decode([]byte, *protocol.Session) ([]protocol.Frame, int, error) {
	return nil, 0, nil
}

func (textCodec) EncodeLoginAck(*protocol.Login, bool, *protocol.Session) []byte { return nil }

func (textCodec) EncodeAck(protocol.Frame, *protocol.Session) []byte { return nil }

func (c textCodec) SupportsCommands() bool { return c.commands }

func (textCodec) EncodeCommand(cmd *model.Command) ([]byte, string, error) {
	return []byte(cmd.Payload + "\r\n"), cmd.Kind, nil
}

type memWriter struct {
	wrote [][]byte
}

func (w *memWriter) Write(data []byte) error {
	w.wrote = append(w.wrote, data)
	return nil
}

func (w *memWriter) Close() error { return nil }

func newTestDispatcher() (*Dispatcher, *queueStore, *gateway.Registry, *memWriter) {
	store := &queueStore{}
	registry := gateway.NewRegistry()
	d := New(zerolog.Nop(), store, registry)
	return d, store, registry, &memWriter{}
}

func TestQueueDrainAndRetries(t *testing.T) {
	ctx := context.Background()
	d, store, registry, out := newTestDispatcher()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	// Two commands queued while the device is offline.
	c1 := store.enqueue(1, "request_position", "POS?")
	c2 := store.enqueue(1, "reboot", "RESET")

	// Device connects: C1 goes out, C2 waits.
	registry.Attach(1, textCodec{commands: true}, out)
	assert.Equal(t, model.CommandSent, c1.Status)
	assert.Equal(t, model.CommandPending, c2.Status)
	require.Len(t, out.wrote, 1)
	assert.Equal(t, "POS?\r\n", string(out.wrote[0]))

	// C1 acked by key: terminal, and C2 is sent immediately.
	d.HandleAck(ctx, 1, &protocol.CommandAck{Key: "request_position", Status: "ok", Response: "lat=10"})
	assert.Equal(t, model.CommandAcknowledged, c1.Status)
	assert.Equal(t, "lat=10", c1.Response)
	assert.Equal(t, model.CommandSent, c2.Status)
	assert.Equal(t, 1, c2.Retries)

	// First timeout: requeued and resent on the spot.
	now = now.Add(61 * time.Second)
	d.Sweep(ctx)
	assert.Equal(t, model.CommandSent, c2.Status)
	assert.Equal(t, 2, c2.Retries)
	assert.Len(t, out.wrote, 3)

	// Second timeout: attempts exhausted, terminal failure.
	now = now.Add(61 * time.Second)
	d.Sweep(ctx)
	assert.Equal(t, model.CommandFailed, c2.Status)
	assert.Equal(t, "no acknowledgement", c2.Response)
}

func TestAnonymousAckMatchesOldestSent(t *testing.T) {
	ctx := context.Background()
	d, store, registry, out := newTestDispatcher()

	c1 := store.enqueue(1, "request_position", "POS?")
	registry.Attach(1, textCodec{commands: true}, out)
	require.Equal(t, model.CommandSent, c1.Status)

	d.HandleAck(ctx, 1, &protocol.CommandAck{Status: "ok"})
	assert.Equal(t, model.CommandAcknowledged, c1.Status)
}

func TestUnmatchedAckDropped(t *testing.T) {
	ctx := context.Background()
	d, store, _, _ := newTestDispatcher()

	c1 := store.enqueue(1, "request_position", "POS?")
	d.HandleAck(ctx, 1, &protocol.CommandAck{Key: "bogus", Status: "ok"})
	assert.Equal(t, model.CommandPending, c1.Status)
}

func TestNoCommandChannelFailsImmediately(t *testing.T) {
	_, store, registry, out := newTestDispatcher()

	c1 := store.enqueue(1, "request_position", "POS?")
	registry.Attach(1, textCodec{commands: false}, out)

	assert.Equal(t, model.CommandFailed, c1.Status)
	assert.Equal(t, "protocol has no command channel", c1.Response)
	assert.Empty(t, out.wrote)
}

func TestOneInFlightPerDevice(t *testing.T) {
	ctx := context.Background()
	d, store, registry, out := newTestDispatcher()

	store.enqueue(1, "request_position", "POS?")
	c2 := store.enqueue(1, "reboot", "RESET")
	registry.Attach(1, textCodec{commands: true}, out)

	// A second flush must not send C2 past the in-flight C1.
	d.Flush(ctx, 1)
	assert.Equal(t, model.CommandPending, c2.Status)
	assert.Len(t, out.wrote, 1)
}
