// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fatih/structs"
	"github.com/hashicorp/eventlogger"
)

const (
	infoField        = "Info"
	dataField        = "Data"
	headerField      = "Header"
	detailsField     = "Details"
	errorFields      = "ErrorFields"
	requestInfoField = "RequestInfo"

	hclogFormat        = "hclog"
	hclogFormatterName = "hclog-format"
)

// hclogEntry is the formatter's output: the event's message plus its payload
// flattened into alternating key/value pairs ready for an hclog call.
type hclogEntry struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
	Args []any  `json:"args,omitempty"`
}

// hclogFormatterFilter flattens a tether event's payload into an hclogEntry
// so the sink can log it without knowing the payload's shape. Pipelines must
// place it directly before the hclog sink.
type hclogFormatterFilter struct{}

func newHclogFormatterFilter() *hclogFormatterFilter {
	return &hclogFormatterFilter{}
}

// Reopen is a no op for the formatter
func (f *hclogFormatterFilter) Reopen() error { return nil }

// Type describes the type of the node as a FormatterFilter.
func (f *hclogFormatterFilter) Type() eventlogger.NodeType {
	return eventlogger.NodeTypeFormatterFilter
}

// Name returns a representation of the formatter's name
func (f *hclogFormatterFilter) Name() string {
	return hclogFormatterName
}

// Process flattens the event payload into key/value pairs, pulls the message
// out of the info fields, and records both the structured entry (as the new
// payload) and its serialized form on the event.
func (f *hclogFormatterFilter) Process(_ context.Context, e *eventlogger.Event) (*eventlogger.Event, error) {
	const op = "event.(hclogFormatterFilter).Process"
	if e == nil {
		return nil, fmt.Errorf("%s: missing event: %w", op, ErrInvalidParameter)
	}

	var m map[string]any
	switch p := e.Payload.(type) {
	case map[string]any:
		m = p
	default:
		m = structs.Map(e.Payload)
	}

	args := make([]any, 0, (len(m)+1)*2)
	for _, k := range sortedKeys(m) {
		v := m[k]
		if v == nil {
			continue
		}
		switch k {
		case infoField, dataField, headerField, detailsField:
			nested, ok := v.(map[string]any)
			if !ok {
				args = append(args, k, v)
				continue
			}
			for _, nk := range sortedKeys(nested) {
				args = append(args, nk, nested[nk])
			}
		case requestInfoField:
			args = append(args, "request_info", fmt.Sprintf("%+v", v))
		case errorFields:
			// already represented by the payload's Error string
		default:
			args = append(args, k, v)
		}
	}

	msg := string(e.Type)
	if i := indexOfArg(args, msgField); i >= 0 {
		msg = fmt.Sprintf("%v", args[i+1])
		args = append(args[:i], args[i+2:]...)
	}

	entry := &hclogEntry{
		Type: string(e.Type),
		Msg:  msg,
		Args: args,
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to serialize entry: %w", op, err)
	}
	e.FormattedAs(hclogFormat, buf)
	e.Payload = entry
	return e, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func indexOfArg(args []any, key string) int {
	for i := 0; i+1 < len(args); i += 2 {
		if k, ok := args[i].(string); ok && k == key {
			return i
		}
	}
	return -1
}
