package redis

// Redis key naming conventions for keel data.
// All keys are prefixed with "keel:" to avoid collisions.

const keyPrefix = "keel:"

// taskKey returns the key for a task snapshot: keel:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// taskIDsKey is the Set tracking all task IDs for enumeration.
const taskIDsKey = keyPrefix + "task_ids"
