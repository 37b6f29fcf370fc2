// Package relay shares a remote.Store between processes over websockets.
//
// Server exposes any remote.Store; Client implements remote.Store by talking
// to a Server, so a sync bridge can run against a store owned by another
// process.
//
// Protocol: every message is one JSON Frame in a websocket text message.
//
//	client → server   {id, op, collection, doc, fields, data, sub}
//	                  op ∈ get, update, create, delete, watch_doc,
//	                       watch_collection, unwatch
//	server → client   {id, op: "result", snapshot, sub, error, code}
//	                  {op: "snapshot", sub, snapshot}
//	                  {op: "collection", sub, batch}
//
// Requests with id 0 get no reply. Watch requests carry a client-chosen sub
// id so pushes that arrive before the reply can be routed. Write sentinels
// travel as {"$rift": kind} and are decoded before reaching the backend.
package relay
