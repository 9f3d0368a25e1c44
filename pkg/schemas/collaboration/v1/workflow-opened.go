package collaboration

// WorkflowOpenedV1 announces that the producer is viewing a workflow.
// Re-sent periodically as a liveness heartbeat.
type WorkflowOpenedV1 struct {
	WorkflowID string `json:"workflowId"`
}

func (m *WorkflowOpenedV1) Validate() error {
	ve := &ValidationError{}
	checkWorkflowID(ve, m.WorkflowID)
	return ve.orNil()
}

func (m WorkflowOpenedV1) Workflow() string { return m.WorkflowID }
