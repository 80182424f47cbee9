package engine

import (
	"errors"
	"strconv"
	"time"

	"github.com/smpmgr/smpmgr-go/pkg/cbor"
	"github.com/smpmgr/smpmgr-go/pkg/command"
	"github.com/smpmgr/smpmgr-go/pkg/log"
	"github.com/smpmgr/smpmgr-go/pkg/packet"
)

func (e *Engine) event(layer log.Layer, category log.Category, dir log.Direction) log.Event {
	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: e.connID,
		Direction:    dir,
		Layer:        layer,
		Category:     category,
		LocalRole:    log.RoleController,
		RemoteAddr:   e.cfg.RemoteAddr,
	}
}

func (e *Engine) logFrame(dir log.Direction, data []byte) {
	ev := e.event(log.LayerTransport, log.CategoryMessage, dir)
	ev.Frame = log.NewFrameEvent(data)
	e.logger.Log(ev)
}

func (e *Engine) logPacket(dir log.Direction, p *packet.Packet, cmd command.Command, body cbor.Value, rtt *time.Duration) {
	msg := &log.MessageEvent{
		Type:      log.MessageTypeRequest,
		Op:        uint8(p.Op),
		Group:     uint16(p.Group),
		ID:        p.ID,
		Sequence:  p.Sequence,
		Flags:     uint8(p.Flags),
		Length:    uint16(len(p.Body)),
		Body:      body.String(),
		RoundTrip: rtt,
	}
	if p.Length != 0 {
		msg.Length = p.Length
	}
	if cmd != nil {
		msg.Command = cmd.String()
	}
	if dir == log.DirectionIn {
		msg.Type = log.MessageTypeResponse
		if rc, ok := body.Lookup("rc"); ok {
			if n, ok := rc.AsInt(); ok {
				code := int(n)
				msg.ReturnCode = &code
			}
		}
	}

	ev := e.event(log.LayerPacket, log.CategoryMessage, dir)
	ev.Message = msg
	e.logger.Log(ev)
}

func (e *Engine) logState(entity log.StateEntity, oldState, newState, reason string) {
	ev := e.event(log.LayerEngine, log.CategoryState, log.DirectionOut)
	ev.StateChange = &log.StateChangeEvent{
		Entity:   entity,
		OldState: oldState,
		NewState: newState,
		Reason:   reason,
	}
	e.logger.Log(ev)
}

// logError records err, or a bare context message when err is nil.
func (e *Engine) logError(layer log.Layer, err error, context string) {
	data := &log.ErrorEventData{Layer: layer, Context: context}
	if err != nil {
		data.Message = err.Error()
		data.Kind = KindOf(err).String()
		var rcErr *command.ReturnCodeError
		if errors.As(err, &rcErr) {
			code := int(rcErr.Code)
			data.Code = &code
		}
	} else {
		data.Message = context
		data.Context = ""
	}

	ev := e.event(layer, log.CategoryError, log.DirectionIn)
	ev.Error = data
	e.logger.Log(ev)
}

func offsetReason(off int) string {
	return "off=" + strconv.Itoa(off)
}
