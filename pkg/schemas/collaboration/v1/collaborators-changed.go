package collaboration

import "strconv"

// CollaboratorsChangedV1 is a full roster snapshot; it replaces whatever
// the receiver held before.
type CollaboratorsChangedV1 struct {
	WorkflowID    string         `json:"workflowId"`
	Collaborators []Collaborator `json:"collaborators"`
}

func (m *CollaboratorsChangedV1) Validate() error {
	ve := &ValidationError{}
	checkWorkflowID(ve, m.WorkflowID)
	for i, c := range m.Collaborators {
		if c.User.ID == "" {
			ve.add("collaborators["+strconv.Itoa(i)+"].user.id", "required")
		}
	}
	return ve.orNil()
}

func (m CollaboratorsChangedV1) Workflow() string { return m.WorkflowID }
