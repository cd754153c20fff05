/*
Package routing implements the FTP front door.

A routing node accepts client control connections, creates one session
per connection, and forwards every command line to a processing node
together with the session state. Replies and updated session state come
back in the acknowledgement. The node also relays transfer
notifications: when a storage node is about to move bytes, the client
gets its 150 reply on the control connection held here.

Session state replicates to peer routing nodes over gossip. A replica
carries no control connection; it is the state another front door
would resume from.
*/
package routing
