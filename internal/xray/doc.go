// Package xray owns the persisted Xray configuration: a typed model of
// the JSON document and a Store that loads, migrates, validates, and
// atomically saves it.
//
// # Document
//
// Document mirrors the subset of the Xray configuration the agent
// writes: a single VLESS+Reality inbound carrying the provisioned user
// set, the dokodemo-door inbound exposing the gRPC API, one freedom
// outbound, and the routing rule binding them. The VLESS inbound is the
// managed inbound; a configuration without one is unusable for every
// user operation (ErrNoManagedInbound).
//
// # Store
//
// The Store is the single durable source of truth for the user set.
//
//   - Load returns the current configuration, or a synthesized default
//     when the file is absent or unreadable. Clients found in a
//     readable existing file are preserved in the default.
//   - Load also applies a one-time migration: obsolete anti-replay
//     tolerance values (maxTimeDiff 0, 30, 300) are rewritten to the
//     strict value, saved, and a reload is requested via the hook.
//   - Save renders the candidate to a temporary file in the destination
//     directory, runs the Validator against it, and renames it over the
//     previous file. A crash mid-write never corrupts the prior valid
//     configuration.
//
// Validation distinguishes "the config is invalid" (the save is
// refused) from "the validator cannot run" (ErrValidatorUnavailable:
// the save proceeds with a warning, since refusing service because a
// helper binary is missing would be worse than skipping the check).
//
// The Store performs no locking of its own; callers serialize mutating
// sequences (see the provision package).
package xray
