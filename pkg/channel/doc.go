// Package channel provides the publish/subscribe contract used by plan
// sessions to receive out-of-band events.
//
// A Broker delivers each message published on a topic to every handler
// subscribed on that topic, in publish order. Handlers are called without any
// broker lock held, so a handler may unsubscribe itself or subscribe to other
// topics. Subscriptions are released with Unsubscribe, which is idempotent.
//
// Event streams from a backend are framed as newline-delimited JSON:
//
//	{"topic":"report","timestamp":"2023-01-01T00:00:00Z","data":{"ok":true,"status":"finished","type":"apply"}}
//
// Broker.Pump reads such a stream and republishes every frame on the broker.
package channel
