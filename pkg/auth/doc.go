/*
Package auth implements the credential service.

Auth nodes hold the user table as bcrypt hashes in a JSON file and
answer two questions for processing nodes: does this user exist, and
does this password match. User additions and removals replicate to peer
auth nodes through the gossip engine; on merge an existing user always
keeps its local hash.
*/
package auth
