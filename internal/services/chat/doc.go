// Package chat groups the chat service: the server in app, its persistence
// contracts in storage, and the subscription client in client.
//
// The server owns ordering and storage; clients only hold reconciled views
// rebuilt from the event log.
package chat
