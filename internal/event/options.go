// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package event

// getOpts - iterate the inbound Options and return a struct
func getOpts(opt ...Option) options {
	opts := getDefaultOptions()
	for _, o := range opt {
		if o != nil {
			o(&opts)
		}
	}
	return opts
}

// Option - how Options are passed as arguments
type Option func(*options)

// options = how options are represented
type options struct {
	withId          string
	withInfo        map[string]any
	withInfoMsg     string
	withHeader      map[string]any
	withDetails     map[string]any
	withRequestInfo *RequestInfo
	withJsonFormat  bool
}

func getDefaultOptions() options {
	return options{}
}

// WithId allows an optional Id
func WithId(id string) Option {
	return func(o *options) {
		o.withId = id
	}
}

// WithInfo allows an optional info key/value pairs about an error event.  If
// used in conjunction with the WithInfoMsg(...) option, and WithInfoMsg(...)
// is specified after WithInfo(...), then WithInfoMsg(...) will overwrite any
// info "msg" specified with WithInfo(...)
func WithInfo(args ...any) Option {
	return func(o *options) {
		o.withInfo = ConvertArgs(args...)
	}
}

// WithInfoMsg allows an optional msg and optional info key/value pairs about
// an error event
func WithInfoMsg(msg string, args ...any) Option {
	return func(o *options) {
		o.withInfo = ConvertArgs(args...)
		if o.withInfo == nil {
			o.withInfo = make(map[string]any, 1)
		}
		o.withInfo[msgField] = msg
	}
}

// WithHeader allows an optional header key/value pairs about an observation
// event
func WithHeader(args ...any) Option {
	return func(o *options) {
		o.withHeader = ConvertArgs(args...)
	}
}

// WithDetails allows an optional details key/value pairs about an observation
// event
func WithDetails(args ...any) Option {
	return func(o *options) {
		o.withDetails = ConvertArgs(args...)
	}
}

// WithRequestInfo allows an optional RequestInfo to be attached to the event
func WithRequestInfo(i *RequestInfo) Option {
	return func(o *options) {
		o.withRequestInfo = i
	}
}

// WithJsonFormat allows an optional choice to emit the hclog sink entries in
// JSON format
func WithJsonFormat(enable bool) Option {
	return func(o *options) {
		o.withJsonFormat = enable
	}
}
