/*
Package metrics provides Prometheus metrics collection for dftp.

All metrics are registered against the default registry at package init
and updated from the transport server, the discovery registry, the
routing node and the storage node. The exposition endpoint is optional:
a node serves /metrics only when a metrics address is configured.

# Metrics Catalog

Control plane:

	dftp_messages_handled_total{type, status}   counter
	dftp_message_duration_seconds{type}         histogram
	dftp_request_failures_total{type}           counter

Discovery:

	dftp_nodes_known{role}                      gauge
	dftp_registry_evictions_total               counter

FTP sessions and transfers:

	dftp_sessions_active                        gauge
	dftp_commands_processed_total{verb, code}   counter
	dftp_bytes_transferred_total{direction}     counter
	dftp_transfer_duration_seconds{direction}   histogram

Replication and anti-entropy:

	dftp_replication_acks_total                 counter
	dftp_replication_failures_total             counter
	dftp_gossip_updates_applied_total           counter
	dftp_state_merges_total                     counter

Label cardinality is bounded: message types and FTP verbs are fixed
sets, directions are "in"/"out". Session and transfer ids never appear
as labels.
*/
package metrics
