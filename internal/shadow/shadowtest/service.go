// Package shadowtest provides an in-memory shadow service for tests.
//
// FakeService implements shadow.Transport and answers get, update and
// delete requests the way the cloud service does: accepted/rejected
// responses, a documents message after every accepted update and a delta
// message whenever desired and reported differ after a desired change.
// Messages are delivered synchronously from Publish to the handlers
// subscribed on the exact topic.
package shadowtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
)

// ErrDisconnected is returned by FakeService operations while disconnected.
var ErrDisconnected = errors.New("shadowtest: disconnected")

// Handler is the message callback signature of the transport.
type Handler = func(topic string, payload []byte) error

// record is one stored shadow.
type record struct {
	desired  map[string]any
	reported map[string]any
	version  uint64
}

// FakeService is an in-memory shadow service and transport.
type FakeService struct {
	mu        sync.Mutex
	connected bool
	shadows   map[shadow.Identity]*record
	handlers  map[string]Handler
	requests  []string
	silent    bool
	now       func() time.Time
}

// NewFakeService returns a connected service with no shadows.
func NewFakeService() *FakeService {
	return &FakeService{
		connected: true,
		shadows:   make(map[shadow.Identity]*record),
		handlers:  make(map[string]Handler),
		now:       time.Now,
	}
}

// Publish handles a request topic and delivers the resulting messages.
func (f *FakeService) Publish(topic string, payload []byte, _ byte, _ bool) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return ErrDisconnected
	}
	f.requests = append(f.requests, topic)
	if f.silent {
		f.mu.Unlock()
		return nil
	}

	id, op, suffix, ok := shadow.ParseTopic(topic)
	if !ok || suffix != shadow.SuffixNone {
		f.mu.Unlock()
		return nil
	}

	var out []message
	switch op {
	case shadow.OpGet:
		out = f.getLocked(id, payload)
	case shadow.OpUpdate:
		out = f.updateLocked(id, payload)
	case shadow.OpDelete:
		out = f.deleteLocked(id, payload)
	}
	f.mu.Unlock()

	f.deliver(out)
	return nil
}

// Subscribe registers the handler for an exact topic.
func (f *FakeService) Subscribe(topic string, _ byte, handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrDisconnected
	}
	f.handlers[topic] = handler
	return nil
}

// Unsubscribe removes the handler for a topic.
func (f *FakeService) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	if !f.connected {
		return ErrDisconnected
	}
	return nil
}

// IsConnected reports the simulated connection state.
func (f *FakeService) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetConnected changes the simulated connection state.
func (f *FakeService) SetConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	f.mu.Unlock()
}

// SetSilent makes the service accept requests without answering them.
func (f *FakeService) SetSilent(silent bool) {
	f.mu.Lock()
	f.silent = silent
	f.mu.Unlock()
}

// Seed stores a shadow at version 1 without publishing anything.
func (f *FakeService) Seed(id shadow.Identity, desired, reported map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shadows[id] = &record{
		desired:  maps.Clone(desired),
		reported: maps.Clone(reported),
		version:  1,
	}
}

// SetDesired applies a desired-state update as a cloud application would,
// publishing documents and delta messages to subscribers.
func (f *FakeService) SetDesired(id shadow.Identity, desired map[string]any) {
	payload, _ := json.Marshal(map[string]any{"state": map[string]any{"desired": desired}}) //nolint:errcheck // plain map
	f.mu.Lock()
	out := f.updateLocked(id, payload)
	f.mu.Unlock()
	f.deliver(out)
}

// Deliver sends a raw message to the handler subscribed on topic.
// It reports whether a handler was subscribed.
func (f *FakeService) Deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(topic, payload) //nolint:errcheck // handler errors are the session's concern
	return true
}

// Shadow returns copies of a stored shadow's desired and reported state.
func (f *FakeService) Shadow(id shadow.Identity) (desired, reported map[string]any, version uint64, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.shadows[id]
	if !ok {
		return nil, nil, 0, false
	}
	return maps.Clone(r.desired), maps.Clone(r.reported), r.version, true
}

// Requests returns the request topics published so far.
func (f *FakeService) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// Subscribed reports whether a handler is registered for topic.
func (f *FakeService) Subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[topic]
	return ok
}

// message is one outgoing notification.
type message struct {
	topic   string
	payload []byte
}

func (f *FakeService) deliver(out []message) {
	for _, m := range out {
		f.Deliver(m.topic, m.payload)
	}
}

// request is the body of an incoming request.
type request struct {
	State *struct {
		Desired  map[string]any `json:"desired"`
		Reported map[string]any `json:"reported"`
	} `json:"state"`
	ClientToken string  `json:"clientToken"`
	Version     *uint64 `json:"version"`
}

func (f *FakeService) getLocked(id shadow.Identity, payload []byte) []message {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		return []message{f.rejected(id, shadow.OpGet, 400, "Payload contains invalid json", "")}
	}
	r, ok := f.shadows[id]
	if !ok {
		return []message{f.notFound(id, shadow.OpGet, req.ClientToken)}
	}

	state := map[string]any{}
	if r.desired != nil {
		state["desired"] = r.desired
	}
	if r.reported != nil {
		state["reported"] = r.reported
	}
	if delta := deltaOf(r.desired, r.reported); len(delta) > 0 {
		state["delta"] = delta
	}
	return []message{f.msg(id.Topic(shadow.OpGet, shadow.SuffixAccepted), map[string]any{
		"state":       state,
		"metadata":    map[string]any{},
		"version":     r.version,
		"timestamp":   f.now().Unix(),
		"clientToken": req.ClientToken,
	})}
}

func (f *FakeService) updateLocked(id shadow.Identity, payload []byte) []message {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil || req.State == nil {
		return []message{f.rejected(id, shadow.OpUpdate, 400, "Missing required node: state", req.ClientToken)}
	}

	r, exists := f.shadows[id]
	if req.Version != nil && (!exists || r.version != *req.Version) {
		return []message{f.rejected(id, shadow.OpUpdate, 409, "Version conflict", req.ClientToken)}
	}
	if !exists {
		r = &record{}
		f.shadows[id] = r
	}
	previous := f.snapshot(r)

	r.desired = merge(r.desired, req.State.Desired)
	r.reported = merge(r.reported, req.State.Reported)
	r.version++
	ts := f.now().Unix()

	accepted := map[string]any{}
	if req.State.Desired != nil {
		accepted["desired"] = req.State.Desired
	}
	if req.State.Reported != nil {
		accepted["reported"] = req.State.Reported
	}

	out := []message{
		f.msg(id.Topic(shadow.OpUpdate, shadow.SuffixAccepted), map[string]any{
			"state":       accepted,
			"metadata":    map[string]any{},
			"version":     r.version,
			"timestamp":   ts,
			"clientToken": req.ClientToken,
		}),
		f.msg(id.Topic(shadow.OpUpdate, shadow.SuffixDocuments), map[string]any{
			"previous":    previous,
			"current":     f.snapshot(r),
			"timestamp":   ts,
			"clientToken": req.ClientToken,
		}),
	}
	if req.State.Desired != nil {
		if delta := deltaOf(r.desired, r.reported); len(delta) > 0 {
			out = append(out, f.msg(id.Topic(shadow.OpUpdate, shadow.SuffixDelta), map[string]any{
				"state":     delta,
				"metadata":  map[string]any{},
				"version":   r.version,
				"timestamp": ts,
			}))
		}
	}
	return out
}

func (f *FakeService) deleteLocked(id shadow.Identity, payload []byte) []message {
	var req request
	_ = json.Unmarshal(payload, &req) //nolint:errcheck // token is optional
	r, ok := f.shadows[id]
	if !ok {
		return []message{f.notFound(id, shadow.OpDelete, req.ClientToken)}
	}
	delete(f.shadows, id)
	return []message{f.msg(id.Topic(shadow.OpDelete, shadow.SuffixAccepted), map[string]any{
		"version":     r.version,
		"timestamp":   f.now().Unix(),
		"clientToken": req.ClientToken,
	})}
}

func (f *FakeService) snapshot(r *record) map[string]any {
	state := map[string]any{}
	if r.desired != nil {
		state["desired"] = maps.Clone(r.desired)
	}
	if r.reported != nil {
		state["reported"] = maps.Clone(r.reported)
	}
	return map[string]any{"state": state, "metadata": map[string]any{}, "version": r.version}
}

func (f *FakeService) notFound(id shadow.Identity, op shadow.Operation, token string) message {
	name := id.ShadowName
	if name == "" {
		name = id.ThingName
	}
	return f.rejected(id, op, 404, fmt.Sprintf("No shadow exists with name: '%s'", name), token)
}

func (f *FakeService) rejected(id shadow.Identity, op shadow.Operation, code int, text, token string) message {
	return f.msg(id.Topic(op, shadow.SuffixRejected), map[string]any{
		"code":        code,
		"message":     text,
		"timestamp":   f.now().Unix(),
		"clientToken": token,
	})
}

func (f *FakeService) msg(topic string, body map[string]any) message {
	payload, _ := json.Marshal(body) //nolint:errcheck // plain maps
	return message{topic: topic, payload: payload}
}

// merge applies patch to state. Null values remove keys.
func merge(state, patch map[string]any) map[string]any {
	if patch == nil {
		return state
	}
	if state == nil {
		state = make(map[string]any)
	}
	for k, v := range patch {
		if v == nil {
			delete(state, k)
			continue
		}
		state[k] = v
	}
	return state
}

// deltaOf returns the desired keys whose reported value differs.
func deltaOf(desired, reported map[string]any) map[string]any {
	delta := make(map[string]any)
	for k, v := range desired {
		if rv, ok := reported[k]; !ok || !reflect.DeepEqual(rv, v) {
			delta[k] = v
		}
	}
	return delta
}
