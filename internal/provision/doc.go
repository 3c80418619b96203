// Package provision coordinates user changes across the persisted
// proxy config, the in-memory registry, and the running process.
//
// Every mutation follows the same ordering: load the config, mutate it,
// save it durably, update the registry, then converge the live process.
// The persisted config is the source of truth; the registry and the
// running process are projections of it that may lag but never lead.
//
// Convergence prefers the live control API (no connection drops), falls
// back to a process reload, and escalates to a restart when the reload
// signal fails. Reload decisions are rate-limited by the registry's
// suppression window so bursts of commands cannot thrash the process.
package provision
