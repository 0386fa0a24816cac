package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"classpilot/internal/models"
)

const bcryptCost = 12

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{4,20}$`)

// RegisterTeacher creates a teacher account after consuming a valid,
// admin-issued teacher invite code.
func (s *Service) RegisterTeacher(ctx context.Context, username, fullName, password, inviteCode string) (*models.User, error) {
	username, password, err := normalizeCredentials(username, password)
	if err != nil {
		return nil, err
	}
	if err := s.consumeTeacherCode(ctx, inviteCode); err != nil {
		return nil, err
	}
	user, err := s.createUser(ctx, username, fullName, password, models.RoleTeacher, "")
	if err != nil {
		return nil, err
	}
	if err := s.markTeacherCodeUsed(ctx, inviteCode, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

// RegisterStudent creates a student account after consuming one use of a
// teacher-issued student invite code.
func (s *Service) RegisterStudent(ctx context.Context, username, fullName, password, grade, inviteCode string) (*models.User, error) {
	username, password, err := normalizeCredentials(username, password)
	if err != nil {
		return nil, err
	}
	if err := s.consumeStudentCode(ctx, inviteCode); err != nil {
		return nil, err
	}
	return s.createUser(ctx, username, fullName, password, models.RoleStudent, grade)
}

func normalizeCredentials(username, password string) (string, string, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return "", "", errors.New("username and password are required")
	}
	if !usernamePattern.MatchString(username) {
		return "", "", errors.New("username must be 4-20 lowercase letters, digits, or underscores")
	}
	if len(password) < 6 {
		return "", "", errors.New("password must be at least 6 characters")
	}
	return username, password, nil
}

func (s *Service) createUser(ctx context.Context, username, fullName, password, role, grade string) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	var gradeVal sql.NullString
	if grade != "" {
		gradeVal = sql.NullString{String: grade, Valid: true}
	}

	var id int64
	if s.driver == "postgres" {
		err = s.db.QueryRowContext(ctx,
			s.q(`INSERT INTO users (username, password_hash, full_name, role, grade, created_at) VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
			username, string(hash), fullName, role, gradeVal, now,
		).Scan(&id)
	} else {
		var res sql.Result
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO users (username, password_hash, full_name, role, grade, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			username, string(hash), fullName, role, gradeVal, now,
		)
		if err == nil {
			id, err = res.LastInsertId()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &models.User{ID: id, Username: username, FullName: fullName, Role: role, Grade: grade, CreatedAt: now}, nil
}

// Login validates credentials, stamps last_login, and returns the profile.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, username, password_hash, full_name, role, grade, created_at, last_login FROM users WHERE username = ?`),
		username,
	)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("invalid credentials")
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, errors.New("invalid credentials")
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET last_login = ? WHERE id = ?`), now, user.ID); err != nil {
		return nil, fmt.Errorf("stamp last login: %w", err)
	}
	user.LastLogin = &now
	return user, nil
}

// GetUser fetches one user by id.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, username, password_hash, full_name, role, grade, created_at, last_login FROM users WHERE id = ?`),
		id,
	)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// EnsureSuperAdmin creates the bootstrap admin account when missing.
func (s *Service) EnsureSuperAdmin(ctx context.Context, username, password string) error {
	var count int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM users WHERE role = ?`), models.RoleSuperAdmin).Scan(&count); err != nil {
		return fmt.Errorf("count admins: %w", err)
	}
	if count > 0 {
		return nil
	}
	username, password, err := normalizeCredentials(username, password)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	_, err = s.createUser(ctx, username, "관리자", password, models.RoleSuperAdmin, "")
	return err
}

func scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	var grade sql.NullString
	var lastLogin sql.NullTime
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.FullName, &user.Role, &grade, &user.CreatedAt, &lastLogin); err != nil {
		return nil, err
	}
	user.Grade = grade.String
	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}
	return &user, nil
}
