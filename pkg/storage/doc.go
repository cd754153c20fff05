/*
Package storage implements the data nodes of the distributed file
system.

Each storage node keeps files on local disk under per-user namespace
directories, tracks their versions in a metadata table, and serves the
data half of FTP: passive ports, directory listings, uploads and
downloads. Uploads replicate to peer storage nodes until a configurable
number of acknowledgements arrive; namespace changes (mkdir, deletes,
renames) fan out to every peer. The metadata table and directory
skeleton replicate through the gossip engine, and files referenced by
merged metadata are fetched lazily from the peer that announced them.
*/
package storage
