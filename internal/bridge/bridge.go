// Package bridge defines the boundary to the native engine.
//
// A Bridge accepts serialized requests on any goroutine and delivers every
// decoded event to a single Callback, always from one goroutine it owns, in
// arrival order. Implementations live in subpackages:
//   - membridge: in-process engine double driven by scripted responders
//   - wsbridge: remote engine reached over a websocket
package bridge

import (
	"errors"

	"github.com/roach88/tdlink/internal/event"
)

// Callback receives each decoded event. It is invoked from exactly one
// goroutine for the lifetime of a bridge.
type Callback func(event.Event)

// Bridge is an opaque handle to the engine.
type Bridge interface {
	// Create starts delivering events to cb. It may be called once.
	Create(cb Callback) error

	// Send hands a request to the engine. The reply, if any, arrives later
	// through the callback carrying the request's "@extra".
	Send(req []byte) error

	// Execute runs a request from the engine's synchronous subset and
	// returns the reply object. Other requests fail with ErrNotSynchronous.
	Execute(req []byte) ([]byte, error)

	// Destroy releases the engine. After Destroy returns the callback is no
	// longer invoked. Idempotent.
	Destroy() error
}

var (
	// ErrNotCreated is returned by Send and Execute before Create.
	ErrNotCreated = errors.New("bridge not created")

	// ErrAlreadyCreated is returned by a second Create.
	ErrAlreadyCreated = errors.New("bridge already created")

	// ErrDestroyed is returned by every operation after Destroy.
	ErrDestroyed = errors.New("bridge destroyed")

	// ErrNotSynchronous is returned by Execute for requests outside the
	// synchronous subset.
	ErrNotSynchronous = errors.New("request is not executable synchronously")
)

// synchronous lists the request types the engine documents as callable
// without a round trip through the callback.
var synchronous = map[string]bool{
	"getOption":             true,
	"setLogVerbosityLevel":  true,
	"getLogVerbosityLevel":  true,
	"getTextEntities":       true,
	"parseTextEntities":     true,
	"parseMarkdown":         true,
	"getMarkdownText":       true,
	"getFileMimeType":       true,
	"getFileExtension":      true,
	"cleanFileName":         true,
	"getJsonValue":          true,
	"getJsonString":         true,
	"getLogTags":            true,
	"addLogMessage":         true,
	"getLanguagePackString": true,
}

// IsSynchronous reports whether requests of type reqType may go through
// Execute.
func IsSynchronous(reqType string) bool {
	return synchronous[reqType]
}

// RequestType extracts "@type" and "@extra" from a serialized request.
func RequestType(req []byte) (reqType, extra string, err error) {
	ev, err := event.Decode(req)
	if err != nil {
		return "", "", err
	}
	return string(ev.Tag), ev.Extra, nil
}
