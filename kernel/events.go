package kernel

import "github.com/ulag-bulag-village/ipwis/resource"

// Event topics published on the kernel's EventBus (SPEC_FULL.md §11). The
// stream and nested-client modules don't subscribe to any of these
// themselves — they're plain observer hooks for embedders (demo wiring,
// tests) that want to react to task lifecycle without polling, keeping the
// kernel decoupled from any particular subscriber.
const (
	TopicTaskSpawned  = "task.spawned"
	TopicTaskFinished = "task.finished"
	TopicTaskTrapped  = "task.trapped"
)

// TaskSpawnedEvent is published synchronously from Spawn once the instance
// is in the kernel's store.
type TaskSpawnedEvent struct {
	ID resource.ID
}

// TaskFinishedEvent is published from Poll/Wait the moment a terminal,
// non-trap result is observed and removed from the store.
type TaskFinishedEvent struct {
	ID     resource.ID
	Output []byte
}

// TaskTrappedEvent is published from Poll/Wait the moment a trap is
// observed and removed from the store.
type TaskTrappedEvent struct {
	ID   resource.ID
	Trap string
}
