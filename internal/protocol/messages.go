package protocol

// ErrorBody is the uniform JSON error envelope for every endpoint.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// GET /init_info
type InitInfo struct {
	NumBalls       int      `json:"num_balls"`
	ChambersPerRow int      `json:"chambers_per_row"`
	ChamberIDs     []string `json:"chamber_ids"`
}

// Chamber listing entry (/chambers, /unaccepted_chambers, /my_chambers).
type ChamberInfo struct {
	ChamberID   string `json:"chamber_id"`
	ChamberName string `json:"chamber_name"`
	User        string `json:"user"`
	State       string `json:"state"`
	Message     string `json:"message,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// GET /{id}/state
type ChamberState struct {
	ChamberID string `json:"chamber_id"`
	State     string `json:"state"`
	Message   string `json:"message,omitempty"`
}

// GET /userinfo
type UserInfo struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	IsAdmin bool   `json:"is_admin"`
}
