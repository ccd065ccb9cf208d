// Package refresh coordinates credential renewal.
//
// A Coordinator is the single owner of token-endpoint traffic. Concurrent
// refreshes of one (account, scope-set) key share one exchange through a
// singleflight group, the exchange outlives departing callers up to the
// request timeout, and one background timer renews the most recent
// credentials shortly before they expire.
//
// Failures are classified with the autherr kinds. A rejected refresh
// credential is terminal: RequiresInteraction is set, the pending timer is
// cancelled and no new timer is armed.
package refresh
