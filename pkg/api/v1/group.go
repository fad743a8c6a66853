package v1

// Group is a chat group registered with the task intake.
type Group struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	Folder          string `json:"folder"`
	Trigger         string `json:"trigger"`
	RequiresTrigger bool   `json:"requires_trigger"`
}

// RegisterGroupRequest registers or updates a chat group binding. Repeated
// registrations of the same JID overwrite the earlier fields.
type RegisterGroupRequest struct {
	JID             string `json:"jid" binding:"required"`
	Name            string `json:"name"`
	Folder          string `json:"folder"`
	Trigger         string `json:"trigger"`
	RequiresTrigger bool   `json:"requires_trigger"`
}

// ListGroupsResponse wraps a group listing.
type ListGroupsResponse struct {
	Groups []Group `json:"groups"`
	Total  int     `json:"total"`
}
