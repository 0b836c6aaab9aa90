// Package event defines the tagged event variant delivered by the native
// engine and the canonical encoding used for traces.
//
// Every engine object is a JSON object whose "@type" field names its variant.
// Decoding maps that field onto a closed Tag enumeration; unknown types keep
// their literal tag and pass through untouched. Requests carry a correlation
// token under "@extra" which the engine echoes on the matching reply.
//
// Key design constraints:
//   - Event values are immutable once decoded; accessors never expose the
//     underlying maps
//   - Authorization-state wrappers are flattened so the dispatcher matches on
//     a single tag
//   - Numbers decode as json.Number so 64-bit message ids survive intact
//
// This package imports nothing internal. Every other package depends on it.
package event
