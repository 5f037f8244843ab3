// Package gira implements the bridge to a Gira X1 home automation server.
//
// The Gira X1 exposes a REST API over HTTPS (self-signed certificate) with
// a token-authenticated client model. This package provides:
//
//   - Client: the REST client (authentication, UI configuration, datapoint
//     values, callback registration) with bounded retries and a single
//     transparent re-authentication on HTTP 401.
//   - Coordinator: the update coordinator that owns the authoritative
//     datapoint Snapshot. It refreshes on a cadence that depends on whether
//     push callbacks are active: a fast poll when polling is the only
//     source of truth, a slow safety-net poll when the device pushes
//     value and service events to the local webhook receiver.
//   - Callback session management: registering callback URLs with the
//     device, resolving which URL the device can reach, and tearing the
//     session down without leaving orphaned webhook handlers.
//
// # Update model
//
// Consumers never mutate coordinator state directly. Polling produces a
// complete replacement Snapshot; webhook value events produce an additive
// merge into a copy of the current Snapshot. Every poll fetches all
// readable datapoint values even while callbacks are active, so a missed
// webhook delivery is corrected within one fallback cycle.
//
// # Usage
//
//	client := gira.NewClient(gira.ClientConfig{Host: "192.168.1.50", ...})
//	coord, err := gira.NewCoordinator(gira.CoordinatorOptions{Client: client, ...})
//	if err != nil { ... }
//	if err := coord.Initialize(ctx); err != nil { ... }
//	coord.SetupCallbackMode(ctx)
//	coord.Start(ctx)
//	defer coord.Stop()
package gira
