/*
Package transport implements the TCP control channel between dftp nodes.

A Server accepts connections on the node's control port, reads exactly
one newline-framed JSON message per connection, dispatches it to the
handler registered for the message type, and writes back the reply if
the handler produced one. A Client opens a fresh connection per call,
either request/response (Request) or fire-and-forget (Notify).

Node ties the two together with the node's cluster identity; every role
in the system embeds or owns a Node.

Connections are deliberately short-lived: the protocol is one record
per connection, which keeps failure handling trivial (a failed request
is simply retried against another node) at the cost of connection
setup overhead. Bulk data never flows over the control channel; file
transfers use dedicated ephemeral data connections managed by the
storage package.
*/
package transport
