/*
Package processing implements the FTP command processors.

Processing nodes are stateless: a routing node forwards one raw command
line together with the full session, and the handler for the verb
computes the reply code and text, mutating the session as a value that
travels back in the acknowledgement. Commands touching storage or
credentials resolve the current data and auth nodes through the
registry on every call, so node churn needs no coordination here.
*/
package processing
