package command

import (
	"fmt"

	"github.com/smpmgr/smpmgr-go/pkg/cbor"
	"github.com/smpmgr/smpmgr-go/pkg/packet"
)

// StatList is the list of statistics group names.
type StatList struct {
	Names []string
}

func (*StatList) isResult() {}

// StatListRequest lists the statistics groups.
type StatListRequest struct {
	route
}

// ListStats returns the command that lists statistics groups.
func ListStats() *StatListRequest {
	return &StatListRequest{route{packet.OpRead, packet.GroupStats, IDStatList}}
}

func (c *StatListRequest) Body() cbor.Value { return cbor.Map() }

func (c *StatListRequest) Parse(rsp cbor.Value) (Result, error) {
	if err := CheckReturnCode(rsp, false); err != nil {
		return nil, err
	}
	list, err := field(rsp, "stat_list")
	if err != nil {
		return nil, err
	}
	if list.Kind() != cbor.KindArray {
		return nil, fmt.Errorf("%w: \"stat_list\" is %s, want array", ErrMalformedResponse, list.Kind())
	}

	result := &StatList{Names: make([]string, 0, list.Len())}
	for i, item := range list.Items() {
		name, ok := item.AsText()
		if !ok {
			return nil, fmt.Errorf("%w: stat_list[%d] is %s", ErrMalformedResponse, i, item.Kind())
		}
		result.Names = append(result.Names, name)
	}
	return result, nil
}

func (c *StatListRequest) String() string { return c.describe("stat list") }

// StatField is one named counter.
type StatField struct {
	Name  string
	Value uint64
}

// StatDetail is the content of one statistics group. Fields keep the order
// the device reported them in.
type StatDetail struct {
	Name   string
	Group  string
	Fields []StatField
}

func (*StatDetail) isResult() {}

// StatDetailRequest reads the counters of one statistics group.
type StatDetailRequest struct {
	route
	Name string
}

// ReadStat returns the command that reads the statistics group name.
func ReadStat(name string) *StatDetailRequest {
	return &StatDetailRequest{
		route: route{packet.OpRead, packet.GroupStats, IDStatDetail},
		Name:  name,
	}
}

func (c *StatDetailRequest) Body() cbor.Value {
	return cbor.Map(cbor.KV("name", cbor.Text(c.Name)))
}

func (c *StatDetailRequest) Parse(rsp cbor.Value) (Result, error) {
	if err := CheckReturnCode(rsp, false); err != nil {
		return nil, err
	}
	fields, err := mapField(rsp, "fields")
	if err != nil {
		return nil, err
	}

	name := optionalText(rsp, "name")
	if name == "" {
		name = c.Name
	}
	result := &StatDetail{
		Name:   name,
		Group:  optionalText(rsp, "group"),
		Fields: make([]StatField, 0, fields.Len()),
	}
	for _, p := range fields.Pairs() {
		key, ok := p.Key.AsText()
		if !ok {
			return nil, fmt.Errorf("%w: field name is %s", ErrMalformedResponse, p.Key.Kind())
		}
		val, ok := p.Value.AsUint()
		if !ok {
			return nil, fmt.Errorf("%w: field %q is %s, want unsigned", ErrMalformedResponse, key, p.Value.Kind())
		}
		result.Fields = append(result.Fields, StatField{Name: key, Value: val})
	}
	return result, nil
}

func (c *StatDetailRequest) String() string { return c.describe("stat " + c.Name) }
