package command

import (
	"fmt"

	"github.com/smpmgr/smpmgr-go/pkg/cbor"
	"github.com/smpmgr/smpmgr-go/pkg/packet"
)

// Task is the runtime record of one OS task.
type Task struct {
	Name            string `cbor:"-"`
	Priority        uint64 `cbor:"prio"`
	TaskID          uint64 `cbor:"tid"`
	State           uint64 `cbor:"state"`
	StackUse        uint64 `cbor:"stkuse"`
	StackSize       uint64 `cbor:"stksiz"`
	ContextSwitches uint64 `cbor:"cswcnt"`
	Runtime         uint64 `cbor:"runtime"`
	LastCheckin     uint64 `cbor:"last_checkin"`
	NextCheckin     uint64 `cbor:"next_checkin"`
}

// TaskStats is the result of the task statistics command. Tasks keep the
// order the device reported them in.
type TaskStats struct {
	Tasks []Task
}

func (*TaskStats) isResult() {}

// TaskStatsRequest reads per-task runtime statistics.
type TaskStatsRequest struct {
	route
}

// ReadTaskStats returns the command that reads task statistics.
func ReadTaskStats() *TaskStatsRequest {
	return &TaskStatsRequest{route{packet.OpRead, packet.GroupDefault, IDTaskStats}}
}

func (c *TaskStatsRequest) Body() cbor.Value { return cbor.Map() }

func (c *TaskStatsRequest) Parse(rsp cbor.Value) (Result, error) {
	if err := CheckReturnCode(rsp, true); err != nil {
		return nil, err
	}
	tasks, err := mapField(rsp, "tasks")
	if err != nil {
		return nil, err
	}

	result := &TaskStats{Tasks: make([]Task, 0, tasks.Len())}
	for _, p := range tasks.Pairs() {
		name, ok := p.Key.AsText()
		if !ok {
			return nil, fmt.Errorf("%w: task name is %s", ErrMalformedResponse, p.Key.Kind())
		}
		if p.Value.Kind() != cbor.KindMap {
			return nil, fmt.Errorf("%w: task %q is %s, want map", ErrMalformedResponse, name, p.Value.Kind())
		}
		var task Task
		if err := p.Value.Unmarshal(&task); err != nil {
			return nil, fmt.Errorf("%w: task %q: %v", ErrMalformedResponse, name, err)
		}
		task.Name = name
		result.Tasks = append(result.Tasks, task)
	}
	return result, nil
}

func (c *TaskStatsRequest) String() string { return c.describe("task stats") }

// ResetResult is the result of a reset command.
type ResetResult struct{}

func (*ResetResult) isResult() {}

// ResetRequest reboots the device.
type ResetRequest struct {
	route

	// Force asks the device to reset even if an application vetoes it.
	Force bool
}

// Reset returns the command that reboots the device.
func Reset(force bool) *ResetRequest {
	return &ResetRequest{
		route: route{packet.OpWrite, packet.GroupDefault, IDReset},
		Force: force,
	}
}

func (c *ResetRequest) Body() cbor.Value {
	if c.Force {
		return cbor.Map(cbor.KV("force", cbor.Bool(true)))
	}
	return cbor.Map()
}

func (c *ResetRequest) Parse(rsp cbor.Value) (Result, error) {
	if err := CheckReturnCode(rsp, false); err != nil {
		return nil, err
	}
	return &ResetResult{}, nil
}

func (c *ResetRequest) String() string { return c.describe("reset") }

// EchoResult is the echoed string.
type EchoResult struct {
	Message string
}

func (*EchoResult) isResult() {}

// EchoRequest asks the device to send back a message.
type EchoRequest struct {
	route
	Message string
}

// Echo returns the command that echoes msg.
func Echo(msg string) *EchoRequest {
	return &EchoRequest{
		route:   route{packet.OpWrite, packet.GroupDefault, IDEcho},
		Message: msg,
	}
}

func (c *EchoRequest) Body() cbor.Value {
	return cbor.Map(cbor.KV("d", cbor.Text(c.Message)))
}

func (c *EchoRequest) Parse(rsp cbor.Value) (Result, error) {
	if err := CheckReturnCode(rsp, false); err != nil {
		return nil, err
	}
	msg, err := textField(rsp, "r")
	if err != nil {
		return nil, err
	}
	return &EchoResult{Message: msg}, nil
}

func (c *EchoRequest) String() string { return c.describe("echo") }
