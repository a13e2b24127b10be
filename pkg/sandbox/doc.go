// Package sandbox manages the durable, caller-visible sandbox handles.
// Sandboxes are created eagerly but their sessions start lazily; deletion
// tombstones the row, cascades through the session and any managed cargo,
// and leaves external cargos untouched. Keyed mutating requests replay
// through the idempotency Replayer.
package sandbox
