package models

type StaffUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Active   bool   `json:"active"`
}

const (
	RoleRegistration = "registration"
	RoleNursing      = "nursing"
	RoleAdmin        = "admin"
)
