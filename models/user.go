package models

// UsersCollection holds participant metadata keyed by user id.
const UsersCollection = "users"

// UnknownUserName is shown for participants without metadata.
const UnknownUserName = "Unknown User"

// User is participant display metadata.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	ReferCode string `json:"refercode"`
}

// DisplayName returns the user's name, or UnknownUserName for a missing user.
func DisplayName(u *User) string {
	if u == nil || u.Name == "" {
		return UnknownUserName
	}
	return u.Name
}
