/*
Package tasks runs fire-and-forget work off the caller's path.

Tasks are queued by priority (Critical, High, Normal, Low) and run FIFO within a
priority. A fixed pool of workers, sized to the CPU count by default, drains the
queue. A failing or panicking task is logged and counted; it never stops the
pool or affects other tasks.

	p := tasks.New(tasks.Config{Logger: log})
	p.Start()
	defer p.Shutdown(ctx)

	tasks.Enqueue(p, "inference.refresh", refresh, "models", tasks.PriorityHigh)

Shutdown stops intake, abandons what is still queued and cancels the context
passed to executing tasks.
*/
package tasks
