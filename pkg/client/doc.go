/*
Package client provides a Go client for inspecting a running cluster.

The client speaks the control protocol to a registry node and exposes
its membership queries as plain method calls. The dftp CLI uses it for
the nodes command; anything that wants to know what the cluster looks
like from outside can use it the same way.
*/
package client
