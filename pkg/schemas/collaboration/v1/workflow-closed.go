package collaboration

type WorkflowClosedV1 struct {
	WorkflowID string `json:"workflowId"`
}

func (m *WorkflowClosedV1) Validate() error {
	ve := &ValidationError{}
	checkWorkflowID(ve, m.WorkflowID)
	return ve.orNil()
}

func (m WorkflowClosedV1) Workflow() string { return m.WorkflowID }
