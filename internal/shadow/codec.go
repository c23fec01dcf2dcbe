package shadow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// State sub-mapping keys.
const (
	keyDesired  = "desired"
	keyReported = "reported"
	keyDelta    = "delta"
)

// Document is a decoded shadow document.
//
// State holds the protocol's nesting: "desired", "reported" and (on get
// responses) "delta" sub-mappings. On delta notifications State is the delta
// mapping itself.
type Document struct {
	State       map[string]any
	Metadata    map[string]any
	Version     uint64
	Timestamp   uint64
	ClientToken string
}

// Desired returns the desired sub-mapping, or nil if absent.
func (d *Document) Desired() map[string]any {
	return subMapping(d.State, keyDesired)
}

// Reported returns the reported sub-mapping, or nil if absent.
func (d *Document) Reported() map[string]any {
	return subMapping(d.State, keyReported)
}

// Delta returns the delta sub-mapping of a get response, or nil if absent.
func (d *Document) Delta() map[string]any {
	return subMapping(d.State, keyDelta)
}

func subMapping(state map[string]any, key string) map[string]any {
	if state == nil {
		return nil
	}
	m, _ := state[key].(map[string]any)
	return m
}

// Patch is a partial state proposed by an update request.
// Either side may be nil; nil sides are left out of the request. An empty
// non-nil side is sent as an empty object.
type Patch struct {
	Desired  map[string]any
	Reported map[string]any

	// Version, when non-zero, asks the service to apply the update only if
	// the shadow is still at this version.
	Version uint64
}

// DocumentsUpdate is a message from the update/documents topic.
type DocumentsUpdate struct {
	Previous    *Document
	Current     *Document
	Timestamp   uint64
	ClientToken string
}

// wireState is the "state" object of an update request. Pointers keep an
// empty side distinct from an absent one.
type wireState struct {
	Desired  *map[string]any `json:"desired,omitempty"`
	Reported *map[string]any `json:"reported,omitempty"`
}

// wireRequest is the body of an update request.
type wireRequest struct {
	State       *wireState `json:"state,omitempty"`
	ClientToken string     `json:"clientToken,omitempty"`
	Version     uint64     `json:"version,omitempty"`
}

// wireDocument is any incoming document. Pointer fields distinguish absent
// from zero.
type wireDocument struct {
	State       map[string]any `json:"state"`
	Metadata    map[string]any `json:"metadata"`
	Version     *uint64        `json:"version"`
	Timestamp   *uint64        `json:"timestamp"`
	ClientToken string         `json:"clientToken"`
	Code        *int           `json:"code"`
	Message     *string        `json:"message"`
}

// wireDocuments is the body of an update/documents message.
type wireDocuments struct {
	Previous    *wireDocument `json:"previous"`
	Current     *wireDocument `json:"current"`
	Timestamp   *uint64       `json:"timestamp"`
	ClientToken string        `json:"clientToken"`
}

// EncodePatch serializes an update request.
//
// Example output:
//
//	{"state":{"reported":{"on":true}},"clientToken":"5f0c..."}
func EncodePatch(patch Patch, clientToken string) ([]byte, error) {
	state := &wireState{}
	if patch.Desired != nil {
		state.Desired = &patch.Desired
	}
	if patch.Reported != nil {
		state.Reported = &patch.Reported
	}
	req := wireRequest{
		State:       state,
		ClientToken: clientToken,
		Version:     patch.Version,
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding patch: %w", err)
	}
	return payload, nil
}

// EncodeRequest serializes the body of a get or delete request, which
// carries only the client token.
func EncodeRequest(clientToken string) []byte {
	//nolint:errcheck // marshalling a struct with one string field cannot fail
	payload, _ := json.Marshal(wireRequest{ClientToken: clientToken})
	return payload
}

// Decode parses any shadow document without requiring a version.
func Decode(payload []byte) (*Document, error) {
	w, err := unmarshalDocument(payload)
	if err != nil {
		return nil, err
	}
	return w.document(), nil
}

// DecodeAccepted parses a message from an accepted topic.
// The version field is required.
func DecodeAccepted(payload []byte) (*Document, error) {
	return decodeVersioned(payload)
}

// DecodeDelta parses a message from the update/delta topic.
// The version field is required.
func DecodeDelta(payload []byte) (*Document, error) {
	return decodeVersioned(payload)
}

func decodeVersioned(payload []byte) (*Document, error) {
	w, err := unmarshalDocument(payload)
	if err != nil {
		return nil, err
	}
	if w.Version == nil {
		return nil, fmt.Errorf("%w: version", ErrMissingField)
	}
	return w.document(), nil
}

// DecodeRejected parses a message from a rejected topic into the error it
// carries. The code and message fields are required.
func DecodeRejected(payload []byte) (*RejectedError, error) {
	w, err := unmarshalDocument(payload)
	if err != nil {
		return nil, err
	}
	if w.Code == nil {
		return nil, fmt.Errorf("%w: code", ErrMissingField)
	}
	if w.Message == nil {
		return nil, fmt.Errorf("%w: message", ErrMissingField)
	}

	rej := &RejectedError{
		Code:        *w.Code,
		Message:     *w.Message,
		ClientToken: w.ClientToken,
	}
	if w.Timestamp != nil {
		rej.Timestamp = *w.Timestamp
	}
	return rej, nil
}

// DecodeDocuments parses a message from the update/documents topic.
// The current document and its version are required.
func DecodeDocuments(payload []byte) (*DocumentsUpdate, error) {
	if !isObject(payload) {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}

	var w wireDocuments
	if err := unmarshalExact(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if w.Current == nil {
		return nil, fmt.Errorf("%w: current", ErrMissingField)
	}
	if w.Current.Version == nil {
		return nil, fmt.Errorf("%w: current.version", ErrMissingField)
	}

	update := &DocumentsUpdate{
		Current:     w.Current.document(),
		ClientToken: w.ClientToken,
	}
	if w.Previous != nil {
		update.Previous = w.Previous.document()
	}
	if w.Timestamp != nil {
		update.Timestamp = *w.Timestamp
		update.Current.Timestamp = *w.Timestamp
	}
	update.Current.ClientToken = w.ClientToken
	return update, nil
}

// ExtractClientToken returns the clientToken of a payload, or "" if the
// payload is not an object or has no token. It never fails.
func ExtractClientToken(payload []byte) string {
	var envelope struct {
		ClientToken string `json:"clientToken"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	return envelope.ClientToken
}

func unmarshalDocument(payload []byte) (*wireDocument, error) {
	if !isObject(payload) {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}

	var w wireDocument
	if err := unmarshalExact(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return &w, nil
}

func (w *wireDocument) document() *Document {
	NormalizeNumbers(w.State)
	NormalizeNumbers(w.Metadata)
	doc := &Document{
		State:       w.State,
		Metadata:    w.Metadata,
		ClientToken: w.ClientToken,
	}
	if w.Version != nil {
		doc.Version = *w.Version
	}
	if w.Timestamp != nil {
		doc.Timestamp = *w.Timestamp
	}
	return doc
}

// isObject reports whether payload starts like a JSON object. Full
// well-formedness is checked by the decoder.
func isObject(payload []byte) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
