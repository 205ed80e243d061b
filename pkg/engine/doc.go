// Package engine holds the site configuration state machine.
//
// # Overview
//
// The engine tracks which versioned features are configured on a set of
// content sites and reconciles that persisted intent with what is found on
// disk after drift. The pieces, in dependency order:
//
//  1. ConfigurationPolicy - configured and unconfigured reference sets of one
//     site, plus include/exclude plugin-path math
//  2. ConfiguredSite - a site bound to a policy; install, remove, configure,
//     unconfigure and broken-feature detection
//  3. InstallConfiguration - one snapshot of every configured site with an
//     append-only Activity log; sealed once part of a history
//  4. SiteLocal - bounded snapshot history with a current pointer, preserved
//     snapshots and revert
//  5. Reconciler - builds a new snapshot from the current one and live
//     discovery, resolving duplicate versions
//  6. StatusAnalyzer - per-feature health against the active components
//
// # Boot Flow
//
// SiteLocal.Load reads the persisted history. When the platform change stamp
// differs from SiteLocal.LastSeenStamp, Reconciler.Reconcile runs and the
// result becomes current. StatusAnalyzer runs on demand against the current
// snapshot.
//
// # Mutation
//
// Snapshots held by a SiteLocal are sealed. Every change starts from
// CloneCurrentConfiguration, is applied to the clone and is committed with
// AddConfiguration:
//
//	next := local.CloneCurrentConfiguration("install foo")
//	site := next.Site(url)
//	if _, err := site.Install(ctx, feature, verifier, engine.NopMonitor{}); err != nil {
//	    return err
//	}
//	return local.AddConfiguration(ctx, next)
//
// # Error Classification
//
// Errors returned by the engine are *EngineError values:
//
//   - Structural: a malformed manifest or location; only that unit is skipped
//   - Transient: an I/O failure; the transaction was aborted and cleaned up
//   - Policy: the operation is forbidden and nothing was changed
//   - Cancelled: cooperative cancellation; cleanup already ran
//
// Conflicts (ambiguous versions, duplicates, broken features) are never
// returned as errors; they surface as FeatureStatus values.
//
// Install-handler failures during configure or install are returned. During
// unconfigure or uninstall they are logged and the handler is disabled for
// the rest of the operation.
//
// # Concurrency
//
// Reconciliation, policy changes and history management are synchronous.
// SiteLocal serializes history changes and listener notification under one
// lock. Listeners run on the caller's goroutine.
package engine
