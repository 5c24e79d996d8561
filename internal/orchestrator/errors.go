package orchestrator

import "errors"

// ErrWorkflowNotFound — workflow с таким ID нет в store.
var ErrWorkflowNotFound = errors.New("workflow not found")
