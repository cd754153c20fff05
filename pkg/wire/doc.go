/*
Package wire defines the control protocol spoken between dftp nodes.

Every message is one JSON object terminated by a newline, sent over a
fresh TCP connection to the destination's control port (9000):

	{
	  "header":   {"type": "DISCOVERY_HEARTBEAT", "src": "10.0.0.5", "dst": "10.0.0.9"},
	  "payload":  {"name": "data-1", "ip": "10.0.0.5", "role": "DATA"},
	  "metadata": {"msg_id": "…uuid…", "timestamp": 1756100000, "status": "OK"}
	}

Requests that expect an answer have a matching _ACK type; the reply
travels back on the same connection, then the connection closes.
Fire-and-forget messages close the connection right after the write.

Result status lives in metadata: "OK", "error" (with a reason in
metadata.message), or "partial" for quorum writes that reached fewer
replicas than requested.

The typed payload structs in this package are the complete catalogue of
what may appear in the payload field; their JSON tags are the protocol
contract.
*/
package wire
