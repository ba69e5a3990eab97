// Package capability provides the execution interface for the workers that
// sit behind the broker, together with:
//
//   - Function, which turns a Go function plus a parameter schema into a Capability
//   - Catalog, the set of descriptors offered to the reasoning oracle
//   - Register / AsHandler, which bind a Capability to a broker name
//   - Echo, BrokerStatus and TaskBoard built-ins
//   - Workflow, which chains capabilities and stops at the first failed step
//
// Results follow the payload convention {"status": "success"|"error", ...}.
package capability
