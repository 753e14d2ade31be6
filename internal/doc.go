// Package plugmon implements a Prometheus exporter for smart-plug
// electrical telemetry.
//
// # Architecture
//
// The service is structured into several key packages:
//   - protocol: wire codec (stream cipher and framing) for the plug protocol
//   - discovery: UDP broadcast discovery of plugs on the local network
//   - device: TCP telemetry client with table-driven unit scaling
//   - cloud: vendor-account device directory
//   - poller: known-device set, poll fan-out, and health state machine
//   - snapshot: copy-on-publish view read by the scrape handler
//   - web: metrics exposition and admin endpoints
//   - scheduler: periodic discovery and poll loops
//
// Key Features
//
//   - Local-first:
//     Plugs are found by UDP broadcast; the vendor cloud is only an
//     optional directory of device identities, never a polling path.
//
//   - Failure isolation:
//     Each poll cycle fans out with bounded concurrency and folds
//     per-device outcomes independently. A dead plug costs one worker
//     slot for one timeout, nothing more.
//
//   - Fail-safe exposition:
//     A device above its failure threshold, or whose last good reading
//     is older than the staleness limit, drops out of the snapshot
//     rather than serving stale numbers.
//
// Example Usage
//
//	store := snapshot.NewStore()
//	p, _ := poller.New(poller.Config{}, querier, discoverer, nil, store,
//	    poller.NewMetrics(registry), logger)
//	p.RefreshSources(ctx)
//	p.RunCycle(ctx)
//	entries, _ := store.Get()
//
// For more information about specific packages, see their respective
// documentation.
package plugmon
