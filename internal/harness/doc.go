// Package harness runs scripted scenarios against a client wired to an
// in-memory engine and checks the resulting request/event trace.
//
// Each run gets a fresh in-memory journal and sequential correlation tokens
// ("req-1", "req-2", ...), so a scenario always produces the same trace and
// traces can be pinned with golden files.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	parameters: { api_id: 94575 }
//	credentials: { phone: "+15550100", code: "12345" }
//	engine:
//	  responders:
//	    setTdlibParameters:
//	      - { "@type": ok }
//	      - { "@type": authorizationStateWaitPhoneNumber }
//	  fallback: ok
//	steps:
//	  - inject: { "@type": authorizationStateWaitTdlibParameters }
//	  - wait_ready: 2s
//	  - fetch: { "@type": getMe }
//	    expect:
//	      type: user
//	      fields: { id: 7 }
//	assertions:
//	  - type: trace_order
//	    requests: [setTdlibParameters, getMe]
//	  - type: final_state
//	    table: id_mappings
//	    where: { old_id: 1048576 }
//	    expect: { new_id: 2097152 }
//
// Every step is exactly one of inject, wait_ready, fetch, execute,
// send_text, edit_text, delete, flush or close. After each step the engine
// is flushed so trailing events of a reply are recorded before the next
// step begins. The client is closed after the last step; the close
// exchange is only part of the trace when a scenario closes explicitly.
//
// # Assertion Types
//
//   - trace_contains: a request of the given type and fields was sent
//   - trace_order: requests were sent in the given order
//   - trace_count: a request type was sent exactly count times
//   - received_count: an event type was delivered exactly count times
//   - lifecycle: the lifecycle state after the last step
//   - resolve: a provisional message id resolves to expect.id
//   - final_state: one journal row matching where has the expected columns
package harness
