// Package audit writes the security audit trail of the signature engine.
//
// The trail is separate from technical logs: one JSON object per line, each
// event chained to its predecessor by a SHA-256 hash so that removed or
// edited lines are detected by VerifyChain. Events never carry document
// content, PINs or passphrases; documents are identified by name and digest.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// EventType is the category of an audit event.
type EventType string

const (
	EventEngineInit   EventType = "ENGINE_INIT"
	EventEngineClose  EventType = "ENGINE_CLOSE"
	EventLicenseSet   EventType = "LICENSE_SET"
	EventSign         EventType = "SIGN"
	EventVerify       EventType = "VERIFY"
	EventEncrypt      EventType = "ENCRYPT"
	EventDecrypt      EventType = "DECRYPT"
	EventCertificates EventType = "CERTIFICATES_READ"
)

// Result is the outcome of an audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Actor is who performed the action.
type Actor struct {
	Type string `json:"type"` // "user" or "service"
	ID   string `json:"id"`
	Host string `json:"host,omitempty"`
}

// Object is what was acted upon.
type Object struct {
	Type   string `json:"type"` // "document", "signature", "credential"
	Name   string `json:"name,omitempty"`
	Digest string `json:"digest,omitempty"` // hex SHA-256 of the bytes
	Signer string `json:"signer,omitempty"` // signer certificate subject
	Serial string `json:"serial,omitempty"` // signer certificate serial
}

// Details adds operation specifics.
type Details struct {
	Format    string `json:"format,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
	Status    string `json:"status,omitempty"` // failure kind
	Reason    string `json:"reason,omitempty"`
	Count     int    `json:"count,omitempty"` // batch size, recipients
	RequestID string `json:"request_id,omitempty"`
}

// Event is one audit log entry.
type Event struct {
	EventType EventType `json:"event_type"`
	Timestamp string    `json:"timestamp"` // RFC3339 UTC
	Actor     Actor     `json:"actor"`
	Object    Object    `json:"object"`
	Details   Details   `json:"details,omitempty"`
	Result    Result    `json:"result"`
	HashPrev  string    `json:"hash_prev"`
	Hash      string    `json:"hash"`
}

// NewEvent creates an event stamped with the current UTC time. The actor
// defaults to the local user.
func NewEvent(eventType EventType, result Result) *Event {
	hostname, _ := os.Hostname()
	username := os.Getenv("USER")
	if username == "" {
		username = os.Getenv("USERNAME")
	}
	if username == "" {
		username = "unknown"
	}
	return &Event{
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Actor:     Actor{Type: "user", ID: username, Host: hostname},
		Result:    result,
	}
}

// ResultOf maps an operation error to a Result.
func ResultOf(err error) Result {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// WithObject sets the object.
func (e *Event) WithObject(obj Object) *Event {
	e.Object = obj
	return e
}

// WithDetails sets the details.
func (e *Event) WithDetails(d Details) *Event {
	e.Details = d
	return e
}

// WithActor overrides the default actor.
func (e *Event) WithActor(actor Actor) *Event {
	e.Actor = actor
	return e
}

// Validate checks that required fields are present.
func (e *Event) Validate() error {
	switch {
	case e.EventType == "":
		return fmt.Errorf("event_type is required")
	case e.Timestamp == "":
		return fmt.Errorf("timestamp is required")
	case e.Actor.Type == "" || e.Actor.ID == "":
		return fmt.Errorf("actor type and id are required")
	case e.Result == "":
		return fmt.Errorf("result is required")
	}
	return nil
}

// canonicalJSON is the event without its own hash, the input of the chain.
func (e *Event) canonicalJSON() ([]byte, error) {
	type hashed struct {
		EventType EventType `json:"event_type"`
		Timestamp string    `json:"timestamp"`
		Actor     Actor     `json:"actor"`
		Object    Object    `json:"object"`
		Details   Details   `json:"details,omitempty"`
		Result    Result    `json:"result"`
		HashPrev  string    `json:"hash_prev"`
	}
	return json.Marshal(hashed{e.EventType, e.Timestamp, e.Actor, e.Object, e.Details, e.Result, e.HashPrev})
}
