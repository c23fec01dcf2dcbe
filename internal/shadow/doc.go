// Package shadow implements the device side of the AWS IoT Device Shadow
// protocol on top of a publish/subscribe transport.
//
// A Session maps shadow operations onto the well-known shadow topics, tracks
// the last known version of every shadow it has seen, and correlates the
// asynchronous accepted/rejected responses back to the caller by client token.
//
// # Architecture
//
//	┌──────────────┐  Get/Update/Delete  ┌──────────────┐  Publish/Subscribe  ┌────────┐
//	│    Caller    │────────────────────►│   Session    │◄───────────────────►│ Broker │
//	└──────────────┘◄────────────────────└──────────────┘      Dispatch       └────────┘
//	                  Document / error          │
//	                                            ▼
//	                                    delivery goroutine ──► OnDelta handlers
//
// # Topics
//
// Every shadow lives under
//
//	$aws/things/<thing>/shadow[/name/<shadow>]/<op>[/<suffix>]
//
// Example:
//
//	id := shadow.Classic("lamp1")
//	id.Topic(shadow.OpUpdate, shadow.SuffixAccepted)
//	// "$aws/things/lamp1/shadow/update/accepted"
//
// # Requests
//
// Get, Update and Delete block until the service answers, the timeout fires,
// the context ends, the connection drops or the session closes. The
// subscriptions each request needs are taken lazily and reference-counted, so
// a topic is subscribed at most once however many requests and handlers use it.
//
//	sess, err := shadow.Open(ctx, shadow.Options{Transport: client})
//	if err != nil {
//	    return err
//	}
//	defer sess.Close()
//
//	doc, err := sess.Update(ctx, shadow.Classic("lamp1"), shadow.Patch{
//	    Reported: map[string]any{"on": true},
//	}, 5*time.Second)
//
// # Deltas
//
// A delta is forwarded only when its version is newer than the last version
// the session has seen for that shadow. Handlers run on the session's
// delivery goroutine in arrival order, so they may issue requests of their own.
//
// # Thread Safety
//
// All exported methods of Session are safe for concurrent use.
package shadow
