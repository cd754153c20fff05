/*
Package gossip replicates per-role node state.

Each node owning replicated state (registry membership, the auth user
table, storage file metadata) wraps it in a Replica and hands it to an
Engine. The engine pushes local deltas to every role peer as they
happen, and reconciles full state when membership changes: the smallest
node name in the group acts as coordinator, merges with the newest peer
and pushes the merged state to everyone else.
*/
package gossip
