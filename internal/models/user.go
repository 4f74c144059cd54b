package models

// UserRef identifies a person. Chat identities carry PersonID, Email and Name;
// web-form identities carry only Name.
type UserRef struct {
	PersonID string `json:"person_id,omitempty"`
	Email    string `json:"person_email,omitempty"`
	Name     string `json:"name"`
}

// IsChat reports whether the user can be reached through the chat front end.
func (u UserRef) IsChat() bool {
	return u.PersonID != "" || u.Email != ""
}

// Key is the identity used to key conversations. Empty for web-only users.
func (u UserRef) Key() string {
	if u.PersonID != "" {
		return u.PersonID
	}
	if u.Email != "" {
		return "email:" + u.Email
	}
	return ""
}

// Display returns the name to show for the user, falling back to the email.
func (u UserRef) Display() string {
	if u.Name != "" {
		return u.Name
	}
	if u.Email != "" {
		return u.Email
	}
	return "Someone"
}

// SameAuthor reports whether a and b are the same author. Only users that
// both expose an email can match; a web-form user never matches anyone.
func SameAuthor(a, b UserRef) bool {
	return a.Email != "" && b.Email != "" && a.Email == b.Email
}

// SameIdentity reports whether a and b denote the same subscriber.
func SameIdentity(a, b UserRef) bool {
	if a.PersonID != "" || b.PersonID != "" {
		return a.PersonID == b.PersonID
	}
	return SameAuthor(a, b)
}
