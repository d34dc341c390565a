// Package remote owns the device-facing persistence and change-feed transports.
//
// Ownership boundary:
// - Store and Feed contracts keyed by scope (service id or datastore collection)
// - REST client, server-sent-event and websocket feed clients
// - in-process Memory backend and its wire handler
// - reconnect backoff primitives
//
// Wire layout for a store mounted at base:
//   GET    {base}/{scope}          full snapshot
//   POST   {base}/{scope}          create
//   PUT    {base}/{scope}/{id}     full replace, _rev precondition
//   DELETE {base}/{scope}/{id}     remove
//   GET    {base}/{scope}/_events  server-sent events (upsert, delete)
//   GET    {base}/{scope}/_ws      websocket events
package remote
