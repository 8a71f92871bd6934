package ot

// EntityRef identifies one collaborative entity (a project, task, milestone
// or goal). Documents, sessions and transport channels are keyed by it.
type EntityRef struct {
	Type string `json:"entityType"`
	ID   string `json:"entityId"`
}

func (r EntityRef) String() string {
	return r.Type + ":" + r.ID
}

// Entity returns the ref the operation targets.
func (o Operation) Entity() EntityRef {
	return EntityRef{Type: o.EntityType, ID: o.EntityID}
}
