/*
Package startup sequences application startup.

A plan is an ordered list of phases with strictly increasing progress targets.
Critical phases run on the caller of Start; the UI is usable once they finish.
Background phases then run detached and only log their failures. Subscribers
receive progress, phase, completed, failed and cancelled events in order, and
progress never decreases within a run.

	o, _ := startup.New(startup.StandardPhases(actions), startup.Options{Logger: log})
	unsubscribe := o.Subscribe(func(e startup.Event) { ... })
	defer unsubscribe()
	if err := o.Start(ctx); err != nil {
		// a critical phase failed or the run was cancelled
	}
	<-o.Done()
*/
package startup
