// Package task defines the task entity, its lifecycle state machine,
// priority tiers, typed definitions, and the store interface used by the
// persistence collaborator.
//
// # Task Entity
//
// A [Task] represents a unit of deferred, retryable work. It carries a
// zero-argument execute function (owned exclusively by the task), one of
// four priority tiers, and progresses through a state machine:
//
//	pending → processing → completed
//	pending → processing → retrying → pending → ...
//	pending → processing → failed
//	pending → cancelled
//
// Exactly one of {queued, executing, terminal} holds at any time; a task
// is never simultaneously queued and executing.
//
// # Defining a Task
//
// Tasks come in two forms. Closure tasks wrap an arbitrary function and
// cannot survive a process restart:
//
//	t := task.New(func(ctx context.Context) (any, error) {
//	    return client.Fetch(ctx, url)
//	}, task.WithPriority(task.PriorityHigh))
//
// Named tasks reference a handler registered in a [Registry] and carry a
// serializable payload, so a persistence collaborator can rebind their
// execute function on restore:
//
//	var FetchPage = task.NewDefinition("fetch_page",
//	    func(ctx context.Context, input PageInput) (any, error) {
//	        return client.Fetch(ctx, input.URL)
//	    },
//	)
//	task.RegisterDefinition(registry, FetchPage)
//	t, err := task.NewNamed(registry, "fetch_page", payload)
package task
