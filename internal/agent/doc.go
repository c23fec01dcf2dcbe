// Package agent runs the device side of shadow synchronisation.
//
// An Agent watches one shadow. Every delta is handed to an Applier, which
// drives the device and returns the values it actually applied. Those
// values are persisted in a StateStore and reported back, which clears the
// delta in the cloud:
//
//	cloud desired ──delta──► Applier ──applied──► StateStore
//	                                      │
//	                                      └──────► Update(reported)
//
// With SyncOnStart the agent first fetches the shadow and reconciles any
// delta that accumulated while the device was offline. A shadow that does
// not exist yet is created from the stored local state.
//
// Usage:
//
//	a, err := agent.New(agent.Options{
//	    Identity:    shadow.Classic("lamp1"),
//	    Session:     sess,
//	    Store:       agent.NewSQLiteStateStore(db.DB),
//	    SyncOnStart: true,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := a.Start(ctx); err != nil {
//	    return err
//	}
//	defer a.Stop()
package agent
