// Package command defines the management commands a controller can issue and
// the typed results their responses decode into.
//
// Each command maps to exactly one (opcode, group, id) triple, builds its own
// CBOR request body and parses the CBOR response body. Parsers validate the
// "rc" return code first. Image operations, task statistics and upload
// responses must carry "rc"; echo, reset and the statistics group treat a
// missing "rc" as success.
package command

import (
	"fmt"

	"github.com/smpmgr/smpmgr-go/pkg/cbor"
	"github.com/smpmgr/smpmgr-go/pkg/packet"
)

// Command ids within their groups.
const (
	IDEcho      uint8 = 0 // GroupDefault
	IDTaskStats uint8 = 2 // GroupDefault
	IDReset     uint8 = 5 // GroupDefault

	IDImageState  uint8 = 0 // GroupImage
	IDImageUpload uint8 = 1 // GroupImage

	IDStatDetail uint8 = 0 // GroupStats
	IDStatList   uint8 = 1 // GroupStats
)

// Command is one logical management operation.
type Command interface {
	Op() packet.Op
	Group() packet.Group
	ID() uint8

	// Body returns the CBOR request body.
	Body() cbor.Value

	// Parse converts a decoded response body into the command's result.
	Parse(rsp cbor.Value) (Result, error)

	String() string
}

// Multistep is a command that needs several request/response exchanges.
// The engine calls Begin once before the first request and Continue after
// each parsed response until it reports done.
type Multistep interface {
	Command

	// Begin prepares the first request body.
	Begin(maxPayload int, progress func(float64) bool) error

	// Continue consumes the result of one exchange. When done is false the
	// next request uses the updated Body.
	Continue(r Result) (final Result, done bool, err error)

	// Cancel asks the command to stop at the next exchange.
	Cancel()
}

// Result is the typed outcome of a command. The concrete type is fixed by the
// command that produced it.
type Result interface {
	isResult()
}

// route carries the fixed wire triple of a command.
type route struct {
	op    packet.Op
	group packet.Group
	id    uint8
}

func (r route) Op() packet.Op       { return r.op }
func (r route) Group() packet.Group { return r.group }
func (r route) ID() uint8           { return r.id }

func (r route) describe(name string) string {
	return fmt.Sprintf("%s (%s %s/%d)", name, r.op, r.group, r.id)
}

// Interface satisfaction checks.
var (
	_ Command   = (*ImageListRequest)(nil)
	_ Command   = (*ImageTestRequest)(nil)
	_ Command   = (*ImageConfirmRequest)(nil)
	_ Multistep = (*UploadRequest)(nil)
	_ Command   = (*TaskStatsRequest)(nil)
	_ Command   = (*ResetRequest)(nil)
	_ Command   = (*EchoRequest)(nil)
	_ Command   = (*StatListRequest)(nil)
	_ Command   = (*StatDetailRequest)(nil)
)
