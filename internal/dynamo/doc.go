// Package dynamo provides the primitives shared by every cellforge engine.
//
// The package defines the fundamental types for hybrid simulation of
// reaction networks:
//
//   - [State]: vector of species quantities
//   - [System]: rate equations dX/dt = f(X, t) integrated by the continuous engine
//   - [AdaptiveIntegrator]: embedded-pair integrator interface
//   - [Config]: tolerances, budgets and retry limits of a run
//   - the error taxonomy ([ErrConflict], [ErrStiffness], ...) and [KindOf]
//
// # Thread Safety
//
// State values are plain slices. Anything handed to an engine is a private
// copy; snapshots owned by the state store are never mutated.
package dynamo
