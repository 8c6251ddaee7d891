// Package commandqueue schedules asynchronous commands across isolated,
// priority-ordered lanes.
//
// Invariants:
// - Commands in the same lane start in FIFO order.
// - A lane never runs more than MaxConcurrency commands at once.
// - When several lanes have admissible work, the lowest priority value wins;
//   equal priorities fall back to registration order.
// - Every dequeued command releases its slot exactly once, on success,
//   error or panic.
//
// Usage:
//
//	mgr, err := commandqueue.NewBuilder().WithDefaultLanes().Build()
//	if err != nil {
//		return err
//	}
//	_ = mgr.Start()
//	defer mgr.Shutdown(context.Background())
//
//	result, err := mgr.Enqueue(ctx, commandqueue.LaneQuery, commandqueue.CommandFunc(
//		func(ctx context.Context) (interface{}, error) {
//			return "ok", nil
//		}))
package commandqueue
