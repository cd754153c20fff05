/*
Package discovery implements cluster membership.

Registry nodes keep the membership table: every other node heartbeats
its name, address and role to them, queries resolve names and roles to
addresses, and nodes that stop heartbeating are evicted. Multiple
registries converge through the gossip engine.

Nodes find registries without any static configuration by sweeping the
deployment subnet with heartbeats (Prober); whatever answers is a
registry. The Locator wraps that sweep into a background loop plus the
query API the other roles use.
*/
package discovery
