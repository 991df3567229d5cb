// Package command moves queued device commands through their
// lifecycle: the dispatcher watches the session registry, sends the
// oldest pending command on device contact, matches acknowledgements
// and retries or fails commands whose acks never arrive.
package command

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/gateway"
	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/protocol"
	"github.com/fleetlink/fleetlink/storage"
)

const (
	// DefaultAckTimeout is how long a sent command waits for its ack.
	DefaultAckTimeout = 60 * time.Second

	// DefaultMaxAttempts bounds sends per command: the second unacked
	// send fails the command.
	DefaultMaxAttempts = 2
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	OldestPendingCommand(ctx context.Context, deviceID int64) (*model.Command, error)
	OldestSentCommand(ctx context.Context, deviceID int64) (*model.Command, error)
	SentCommandByKey(ctx context.Context, deviceID int64, key string) (*model.Command, error)
	SentCommands(ctx context.Context) ([]*model.Command, error)
	MarkCommandSent(ctx context.Context, id int64, key string, at time.Time) error
	RequeueCommand(ctx context.Context, id int64) error
	ResolveCommand(ctx context.Context, id int64, status model.CommandStatus, response string, at time.Time) error
}

// Dispatcher drives the command queue.  One command is in flight per
// device at a time; the next is sent when the ack arrives.
type Dispatcher struct {
	log        zerolog.Logger
	store      Store
	registry   *gateway.Registry
	ackTimeout time.Duration
	maxTries   int
	now        func() time.Time
}

// New builds a dispatcher and subscribes it to session attachments.
func New(log zerolog.Logger, store Store, registry *gateway.Registry) *Dispatcher {
	d := &Dispatcher{
		log:        log.With().Str("component", "commands").Logger(),
		store:      store,
		registry:   registry,
		ackTimeout: DefaultAckTimeout,
		maxTries:   DefaultMaxAttempts,
		now:        func() time.Time { return time.Now().UTC() },
	}
	registry.Notify(func(deviceID int64) {
		d.Flush(context.Background(), deviceID)
	})
	return d
}

// Flush sends the device's oldest pending command if its session is
// live and nothing is already in flight.
func (d *Dispatcher) Flush(ctx context.Context, deviceID int64) {
	h := d.registry.Handle(deviceID)
	if h == nil {
		return
	}
	if _, err := d.store.OldestSentCommand(ctx, deviceID); err == nil {
		return // in flight, wait for the ack or the timeout sweep
	} else if !errors.Is(err, storage.ErrNotFound) {
		d.log.Error().Err(err).Int64("device_id", deviceID).Msg("loading in-flight command")
		return
	}

	for {
		cmd, err := d.store.OldestPendingCommand(ctx, deviceID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				d.log.Error().Err(err).Int64("device_id", deviceID).Msg("loading pending command")
			}
			return
		}
		if sent := d.send(ctx, h, cmd); sent {
			return
		}
		// Unsendable command resolved as failed; try the next one.
	}
}

// send encodes and writes one command.  It reports whether the command
// is now in flight; an unsendable command is failed in place.
func (d *Dispatcher) send(ctx context.Context, h *gateway.Handle, cmd *model.Command) bool {
	if !h.Codec.SupportsCommands() {
		d.fail(ctx, cmd, "protocol has no command channel")
		return false
	}
	data, key, err := h.Codec.EncodeCommand(cmd)
	if err != nil {
		d.fail(ctx, cmd, err.Error())
		return false
	}
	if key == "" {
		// No native ack keying; a generated key still correlates the
		// send in logs and the status API.
		key = uuid.NewString()
	}
	if err := h.Send(data); err != nil {
		// The session died under us; the command stays pending for the
		// next contact.
		d.log.Debug().Err(err).Int64("command_id", cmd.ID).Msg("session write failed")
		return true
	}
	if err := d.store.MarkCommandSent(ctx, cmd.ID, key, d.now()); err != nil {
		d.log.Error().Err(err).Int64("command_id", cmd.ID).Msg("marking command sent")
		return true
	}
	d.log.Info().
		Int64("device_id", cmd.DeviceID).
		Int64("command_id", cmd.ID).
		Str("kind", cmd.Kind).
		Msg("command sent")
	return true
}

func (d *Dispatcher) fail(ctx context.Context, cmd *model.Command, reason string) {
	d.log.Warn().
		Int64("device_id", cmd.DeviceID).
		Int64("command_id", cmd.ID).
		Str("reason", reason).
		Msg("command failed")
	if err := d.store.ResolveCommand(ctx, cmd.ID, model.CommandFailed, reason, d.now()); err != nil {
		d.log.Error().Err(err).Int64("command_id", cmd.ID).Msg("resolving command")
	}
}

// HandleAck matches a device acknowledgement against the in-flight
// command: by correlation key when the protocol carries one, else the
// oldest sent command.  An unmatched ack is logged and dropped.
func (d *Dispatcher) HandleAck(ctx context.Context, deviceID int64, ack *protocol.CommandAck) {
	var cmd *model.Command
	var err error
	if ack.Key != "" {
		cmd, err = d.store.SentCommandByKey(ctx, deviceID, ack.Key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			d.log.Error().Err(err).Int64("device_id", deviceID).Msg("matching ack by key")
			return
		}
	}
	if cmd == nil {
		cmd, err = d.store.OldestSentCommand(ctx, deviceID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				d.log.Error().Err(err).Int64("device_id", deviceID).Msg("matching ack")
			} else {
				d.log.Debug().Int64("device_id", deviceID).Str("key", ack.Key).Msg("unmatched command ack")
			}
			return
		}
	}

	if err := d.store.ResolveCommand(ctx, cmd.ID, model.CommandAcknowledged, ack.Response, d.now()); err != nil {
		d.log.Error().Err(err).Int64("command_id", cmd.ID).Msg("resolving command")
		return
	}
	d.log.Info().
		Int64("device_id", deviceID).
		Int64("command_id", cmd.ID).
		Str("status", ack.Status).
		Msg("command acknowledged")

	d.Flush(ctx, deviceID)
}

// Sweep retries or fails sent commands whose ack timed out.  Runs on
// the shared ticker.
func (d *Dispatcher) Sweep(ctx context.Context) {
	cmds, err := d.store.SentCommands(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("loading sent commands")
		return
	}
	now := d.now()
	for _, cmd := range cmds {
		if cmd.SentAt == nil || now.Sub(*cmd.SentAt) < d.ackTimeout {
			continue
		}
		if cmd.Retries >= d.maxTries {
			d.fail(ctx, cmd, "no acknowledgement")
			continue
		}
		if err := d.store.RequeueCommand(ctx, cmd.ID); err != nil {
			d.log.Error().Err(err).Int64("command_id", cmd.ID).Msg("requeueing command")
			continue
		}
		d.log.Info().
			Int64("device_id", cmd.DeviceID).
			Int64("command_id", cmd.ID).
			Int("attempts", cmd.Retries).
			Msg("command ack timed out, requeued")
		d.Flush(ctx, cmd.DeviceID)
	}
}

// Preview renders a command's wire bytes for UI display without
// touching the queue.
func Preview(protocolName string, cmd *model.Command) (hexDump, asciiDump string, err error) {
	codec, ok := protocol.Lookup(protocolName)
	if !ok {
		return "", "", errors.Errorf("command: unknown protocol %q", protocolName)
	}
	if !codec.SupportsCommands() {
		return "", "", errors.Errorf("command: protocol %q has no command channel", protocolName)
	}
	return protocol.Preview(codec, cmd)
}
