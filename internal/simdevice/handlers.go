package simdevice

import (
	"github.com/smpmgr/smpmgr-go/pkg/cbor"
	"github.com/smpmgr/smpmgr-go/pkg/command"
)

func (d *Device) echo(body cbor.Value) cbor.Value {
	v, ok := body.Lookup("d")
	if !ok {
		return rcBody(command.ReturnCodeInvalidState)
	}
	msg, ok := v.AsText()
	if !ok {
		return rcBody(command.ReturnCodeInvalidState)
	}
	// No "rc": echo treats a missing return code as success.
	return cbor.Map(cbor.KV("r", cbor.Text(msg)))
}

func (d *Device) taskStats() cbor.Value {
	tasks := make([]cbor.Pair, 0, len(d.config.Tasks))
	for _, t := range d.config.Tasks {
		v, err := cbor.FromGo(t)
		if err != nil {
			return rcBody(command.ReturnCodeUnknown)
		}
		tasks = append(tasks, cbor.Pair{Key: cbor.Text(t.Name), Value: v})
	}
	return cbor.Map(
		cbor.KV("rc", cbor.Uint(0)),
		cbor.KV("tasks", cbor.Map(tasks...)),
	)
}

func (d *Device) statList() cbor.Value {
	names := make([]cbor.Value, 0, len(d.config.Stats))
	for _, s := range d.config.Stats {
		names = append(names, cbor.Text(s.Name))
	}
	return cbor.Map(
		cbor.KV("rc", cbor.Uint(0)),
		cbor.KV("stat_list", cbor.Array(names...)),
	)
}

func (d *Device) statDetail(body cbor.Value) cbor.Value {
	v, ok := body.Lookup("name")
	if !ok {
		return rcBody(command.ReturnCodeInvalidState)
	}
	name, _ := v.AsText()

	for i := range d.config.Stats {
		s := &d.config.Stats[i]
		if s.Name != name {
			continue
		}
		// Counters tick on every read so repeated reads differ.
		fields := make([]cbor.Pair, 0, len(s.Fields))
		for j := range s.Fields {
			s.Fields[j].Value++
			fields = append(fields, cbor.KV(s.Fields[j].Name, cbor.Uint(s.Fields[j].Value)))
		}
		return cbor.Map(
			cbor.KV("rc", cbor.Uint(0)),
			cbor.KV("name", cbor.Text(s.Name)),
			cbor.KV("group", cbor.Text(s.Group)),
			cbor.KV("fields", cbor.Map(fields...)),
		)
	}
	return rcBody(command.ReturnCodeNoEntry)
}

func (d *Device) reset() cbor.Value {
	d.resets++
	d.boot()
	if d.config.ResetDelay > 0 {
		d.downUntil = d.now().Add(d.config.ResetDelay)
	}
	return cbor.Map()
}
