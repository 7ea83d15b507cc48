// Package users manages registered accounts: email+password credentials and
// the dotted role names the token layer embeds as groups.
package users

import (
	"strings"
	"time"
)

// Role is a dotted permission group name carried in token claims.
type Role string

const (
	RoleGameAdmin            Role = "game.admin"
	RoleChallengeManager     Role = "challenge.manager"
	RoleChallengeModerator   Role = "challenge.moderator"
	RoleChallengeParticipant Role = "challenge.participant"
	RoleChallengeInvitee     Role = "challenge.invitee"
	RoleUserVerified         Role = "user.verified"
)

// ParseRole maps a stored role name to a Role. Unknown names degrade to the
// lowest-privilege role rather than failing the read.
func ParseRole(raw string) Role {
	switch Role(strings.TrimSpace(raw)) {
	case RoleGameAdmin:
		return RoleGameAdmin
	case RoleChallengeManager:
		return RoleChallengeManager
	case RoleChallengeModerator:
		return RoleChallengeModerator
	case RoleChallengeParticipant:
		return RoleChallengeParticipant
	case RoleChallengeInvitee:
		return RoleChallengeInvitee
	default:
		return RoleUserVerified
	}
}

func defaultRoles() []Role {
	return []Role{RoleUserVerified, RoleChallengeParticipant}
}

// User is one registered account. Email doubles as the login name.
type User struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex:idx_users_email"`
	PasswordHash string    `gorm:"column:password_hash;size:512;not null"`
	Nickname     string    `gorm:"column:nickname;size:190;not null;default:''"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// UserRole is one granted role. A user holds any number of them.
type UserRole struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	RoleName  string    `gorm:"column:role_name;primaryKey;size:64;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UserRole) TableName() string {
	return "user_roles"
}

// Account is the credential-free view handed to callers.
type Account struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Nickname  string    `json:"nickname,omitempty"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
}

// HasRole reports whether the account holds the given role.
func (a Account) HasRole(role Role) bool {
	for _, held := range a.Roles {
		if held == string(role) {
			return true
		}
	}
	return false
}

// validEmail applies the minimal login-name shape check; real verification
// happens out of band.
func validEmail(email string) bool {
	return len(email) > 5 && strings.Contains(email, "@") && strings.Contains(email, ".")
}
