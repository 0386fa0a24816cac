package models

import "time"

// User roles. Signup is gated by invite codes: super_admin issues teacher
// codes, teachers issue student codes.
const (
	RoleSuperAdmin = "super_admin"
	RoleTeacher    = "teacher"
	RoleStudent    = "student"
)

type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	FullName     string     `json:"full_name"`
	Role         string     `json:"role"`
	Grade        string     `json:"grade,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// TeacherInviteCode is single-use and admin-issued.
type TeacherInviteCode struct {
	ID        int64      `json:"id"`
	Code      string     `json:"code"`
	CreatedBy int64      `json:"created_by"`
	Memo      string     `json:"memo,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedBy    *int64     `json:"used_by,omitempty"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// StudentInviteCode is teacher-issued and reusable up to MaxUses.
type StudentInviteCode struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	CreatedBy int64     `json:"created_by"`
	ClassName string    `json:"class_name,omitempty"`
	MaxUses   int       `json:"max_uses"`
	UseCount  int       `json:"use_count"`
	Memo      string    `json:"memo,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
