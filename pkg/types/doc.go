/*
Package types defines the core data structures shared across dftp nodes.

Every record that crosses node boundaries lives here: cluster roles,
registry membership entries, file metadata, user records and the FTP
session state. Keeping them in one dependency-free package lets the
discovery, gossip, auth, routing, processing and storage packages
exchange them without import cycles.

All structs carry JSON tags matching the wire protocol field names, so
they can be embedded directly in message payloads.
*/
package types
