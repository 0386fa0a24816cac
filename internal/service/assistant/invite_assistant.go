package assistant

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"classpilot/internal/models"
)

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func generateCode(length int, prefix string) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return prefix + string(buf), nil
}

// CreateTeacherCode mints a single-use teacher signup code. Admin only; the
// caller enforces the role.
func (s *Service) CreateTeacherCode(ctx context.Context, adminID int64, daysValid int, memo string) (*models.TeacherInviteCode, error) {
	if daysValid <= 0 {
		daysValid = 30
	}
	code, err := generateCode(6, "TEACHER-")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	expires := now.Add(time.Duration(daysValid) * 24 * time.Hour)
	if _, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO teacher_invite_codes (code, created_by, memo, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`),
		code, adminID, nullable(memo), expires, now,
	); err != nil {
		return nil, fmt.Errorf("create teacher code: %w", err)
	}
	return &models.TeacherInviteCode{Code: code, CreatedBy: adminID, Memo: memo, ExpiresAt: expires, CreatedAt: now}, nil
}

// CreateStudentCode mints a student signup code reusable up to maxUses times.
func (s *Service) CreateStudentCode(ctx context.Context, teacherID int64, className string, maxUses, daysValid int, memo string) (*models.StudentInviteCode, error) {
	if maxUses <= 0 {
		maxUses = 10
	}
	if daysValid <= 0 {
		daysValid = 7
	}
	code, err := generateCode(6, "")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	expires := now.Add(time.Duration(daysValid) * 24 * time.Hour)
	if _, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO student_invite_codes (code, created_by, class_name, max_uses, use_count, memo, expires_at, created_at) VALUES (?, ?, ?, ?, 0, ?, ?, ?)`),
		code, teacherID, nullable(className), maxUses, nullable(memo), expires, now,
	); err != nil {
		return nil, fmt.Errorf("create student code: %w", err)
	}
	return &models.StudentInviteCode{Code: code, CreatedBy: teacherID, ClassName: className, MaxUses: maxUses, ExpiresAt: expires, CreatedAt: now}, nil
}

func (s *Service) consumeTeacherCode(ctx context.Context, code string) error {
	if code == "" {
		return errors.New("teacher invite code is required")
	}
	var expires time.Time
	var usedBy sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT expires_at, used_by FROM teacher_invite_codes WHERE code = ?`), code,
	).Scan(&expires, &usedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.New("유효하지 않은 교사 인증코드입니다")
		}
		return fmt.Errorf("lookup teacher code: %w", err)
	}
	if usedBy.Valid {
		return errors.New("이미 사용된 교사 인증코드입니다")
	}
	if time.Now().UTC().After(expires) {
		return errors.New("만료된 교사 인증코드입니다")
	}
	return nil
}

func (s *Service) markTeacherCodeUsed(ctx context.Context, code string, userID int64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE teacher_invite_codes SET used_by = ?, used_at = ? WHERE code = ? AND used_by IS NULL`),
		userID, now, code,
	)
	if err != nil {
		return fmt.Errorf("mark teacher code used: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("teacher code rows affected: %w", err)
	}
	if affected == 0 {
		return errors.New("이미 사용된 교사 인증코드입니다")
	}
	return nil
}

func (s *Service) consumeStudentCode(ctx context.Context, code string) error {
	if code == "" {
		return errors.New("student invite code is required")
	}
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE student_invite_codes SET use_count = use_count + 1 WHERE code = ? AND use_count < max_uses AND expires_at > ?`),
		code, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("consume student code: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("student code rows affected: %w", err)
	}
	if affected == 0 {
		return errors.New("유효하지 않거나 만료된 학생 인증코드입니다")
	}
	return nil
}

// ListTeacherCodes returns codes issued by the given admin, newest first.
func (s *Service) ListTeacherCodes(ctx context.Context, adminID int64) ([]models.TeacherInviteCode, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, code, created_by, memo, expires_at, used_by, used_at, created_at FROM teacher_invite_codes WHERE created_by = ? ORDER BY created_at DESC`),
		adminID,
	)
	if err != nil {
		return nil, fmt.Errorf("list teacher codes: %w", err)
	}
	defer rows.Close()

	var codes []models.TeacherInviteCode
	for rows.Next() {
		var c models.TeacherInviteCode
		var memo sql.NullString
		var usedBy sql.NullInt64
		var usedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Code, &c.CreatedBy, &memo, &c.ExpiresAt, &usedBy, &usedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan teacher code: %w", err)
		}
		c.Memo = memo.String
		if usedBy.Valid {
			c.UsedBy = &usedBy.Int64
		}
		if usedAt.Valid {
			c.UsedAt = &usedAt.Time
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

// ListStudentCodes returns codes issued by the given teacher, newest first.
func (s *Service) ListStudentCodes(ctx context.Context, teacherID int64) ([]models.StudentInviteCode, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, code, created_by, class_name, max_uses, use_count, memo, expires_at, created_at FROM student_invite_codes WHERE created_by = ? ORDER BY created_at DESC`),
		teacherID,
	)
	if err != nil {
		return nil, fmt.Errorf("list student codes: %w", err)
	}
	defer rows.Close()

	var codes []models.StudentInviteCode
	for rows.Next() {
		var c models.StudentInviteCode
		var class, memo sql.NullString
		if err := rows.Scan(&c.ID, &c.Code, &c.CreatedBy, &class, &c.MaxUses, &c.UseCount, &memo, &c.ExpiresAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan student code: %w", err)
		}
		c.ClassName = class.String
		c.Memo = memo.String
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
