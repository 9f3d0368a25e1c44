package collaboration

type WriteAccessAcquiredV1 struct {
	WorkflowID string `json:"workflowId"`
	UserID     string `json:"userId"`
}

func (m *WriteAccessAcquiredV1) Validate() error {
	ve := &ValidationError{}
	checkWorkflowID(ve, m.WorkflowID)
	if m.UserID == "" {
		ve.add("userId", "required")
	}
	return ve.orNil()
}

// WriteAccessReleasedV1 frees the write lock. UserID names the releaser
// when the sender knows it; receivers fall back to the writer they had
// recorded.
type WriteAccessReleasedV1 struct {
	WorkflowID string `json:"workflowId"`
	UserID     string `json:"userId,omitempty"`
}

func (m *WriteAccessReleasedV1) Validate() error {
	ve := &ValidationError{}
	checkWorkflowID(ve, m.WorkflowID)
	return ve.orNil()
}

func (m WriteAccessAcquiredV1) Workflow() string { return m.WorkflowID }

func (m WriteAccessReleasedV1) Workflow() string { return m.WorkflowID }
