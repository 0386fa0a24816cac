package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"classpilot/internal/auth"
	"classpilot/internal/models"
	"classpilot/internal/service/assistant"
	"classpilot/internal/service/ingest"
	"classpilot/internal/service/quiz"
	"classpilot/internal/service/rag"
	"classpilot/internal/session"
)

// Handler wires HTTP routes to the assistant, chat and ingestion services.
type Handler struct {
	assistant *assistant.Service
	auth      *auth.Service
	sessions  *session.Store
	rag       *rag.Orchestrator
	ingest    *ingest.Service
	quiz      *quiz.Service
}

// NewHandler constructs a Handler instance.
func NewHandler(service *assistant.Service, authService *auth.Service, sessions *session.Store, orchestrator *rag.Orchestrator, ingestService *ingest.Service, quizService *quiz.Service) *Handler {
	return &Handler{
		assistant: service,
		auth:      authService,
		sessions:  sessions,
		rag:       orchestrator,
		ingest:    ingestService,
		quiz:      quizService,
	}
}

// check token userID is match with param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.CurrentUserID(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.CurrentUserID(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// scope is the per-login key for in-memory chat state, so two logins of the
// same account do not share page logs.
func (h *Handler) scope(c *gin.Context) string {
	if token, ok := auth.CurrentToken(c); ok {
		return token
	}
	userID, _ := auth.CurrentUserID(c)
	return "user:" + strconv.FormatInt(userID, 10)
}

// requireRole loads the caller and rejects the request unless the account
// holds one of the given roles.
func (h *Handler) requireRole(c *gin.Context, roles ...string) (*models.User, bool) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return nil, false
	}
	user, err := h.assistant.GetUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load user failed"})
		return nil, false
	}
	for _, role := range roles {
		if user.Role == role {
			return user, true
		}
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
	return nil, false
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/signup/teacher", h.signupTeacher)
	api.POST("/users/signup/student", h.signupStudent)
	api.POST("/users/login", h.loginUser)

	authMW := h.auth.RequireUser()
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.VerifyCSRF())
	userRoutes.GET("", h.getProfile)
	userRoutes.POST("/logout", h.logoutUser)

	userRoutes.POST("/pages/:page_key/ask", h.askPage)
	userRoutes.POST("/pages/:page_key/new", h.newChat)
	userRoutes.POST("/pages/:page_key/clear", h.clearChat)
	userRoutes.POST("/pages/:page_key/load", h.loadChat)
	userRoutes.GET("/pages/:page_key/messages", h.pageMessages)
	userRoutes.POST("/quiz", h.generateQuiz)

	userRoutes.GET("/sessions", h.listSessions)
	userRoutes.GET("/sessions/:session_id/messages", h.sessionMessages)
	userRoutes.GET("/conversations", h.recentConversations)

	userRoutes.POST("/documents", h.uploadDocuments)
	userRoutes.GET("/documents", h.listDocuments)

	userRoutes.POST("/invite-codes/teacher", h.createTeacherCode)
	userRoutes.GET("/invite-codes/teacher", h.listTeacherCodes)
	userRoutes.POST("/invite-codes/student", h.createStudentCode)
	userRoutes.GET("/invite-codes/student", h.listStudentCodes)
}

type teacherSignupRequest struct {
	Username   string `json:"username"`
	FullName   string `json:"full_name"`
	Password   string `json:"password"`
	InviteCode string `json:"invite_code"`
}

func (h *Handler) signupTeacher(c *gin.Context) {
	var req teacherSignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterTeacher(c.Request.Context(), req.Username, req.FullName, req.Password, req.InviteCode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"full_name":  user.FullName,
		"role":       user.Role,
		"created_at": user.CreatedAt,
	})
}

type studentSignupRequest struct {
	Username   string `json:"username"`
	FullName   string `json:"full_name"`
	Password   string `json:"password"`
	Grade      string `json:"grade"`
	InviteCode string `json:"invite_code"`
}

func (h *Handler) signupStudent(c *gin.Context) {
	var req studentSignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterStudent(c.Request.Context(), req.Username, req.FullName, req.Password, req.Grade, req.InviteCode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"full_name":  user.FullName,
		"role":       user.Role,
		"grade":      user.Grade,
		"created_at": user.CreatedAt,
	})
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"full_name":  user.FullName,
		"role":       user.Role,
		"auth_token": authToken,
	})
}

func (h *Handler) getProfile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.assistant.GetUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	h.sessions.Drop(h.scope(c))
	if authToken, ok := auth.CurrentToken(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

type askRequest struct {
	Question string `json:"question"`
	Category string `json:"category"`
}

// askPage answers one question over SSE: an ack event, stream events with
// answer fragments, then done or error.
func (h *Handler) askPage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}
	pageKey := c.Param("page_key")
	category := strings.TrimSpace(req.Category)
	if category == "" {
		category = pageKey
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	scope := h.scope(c)
	if err := sendEvent("ack", gin.H{
		"session_id": h.sessions.SessionID(scope, pageKey),
		"question":   req.Question,
	}); err != nil {
		return
	}

	answer, err := h.rag.Ask(c.Request.Context(), rag.AskRequest{
		Scope:    scope,
		UserID:   userID,
		PageKey:  pageKey,
		Category: category,
		Question: req.Question,
		OnDelta: func(chunk string) error {
			return sendEvent("stream", gin.H{"content": chunk})
		},
	})
	if err != nil {
		_ = sendEvent("error", gin.H{"message": rag.UserFacingMessage(err)})
		return
	}
	_ = sendEvent("done", gin.H{
		"session_id": answer.SessionID,
		"answer":     answer.Text,
		"citations":  answer.Citations,
	})
}

func (h *Handler) newChat(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	sessionID := h.sessions.StartNew(h.scope(c), c.Param("page_key"))
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID})
}

func (h *Handler) clearChat(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	h.sessions.Clear(h.scope(c), c.Param("page_key"))
	c.Status(http.StatusNoContent)
}

type loadChatRequest struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) loadChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req loadChatRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	loaded, err := h.sessions.LoadFromStore(c.Request.Context(), h.scope(c), userID, c.Param("page_key"), req.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": req.SessionID,
		"loaded":     loaded,
	})
}

func (h *Handler) pageMessages(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	scope := h.scope(c)
	pageKey := c.Param("page_key")
	messages := h.sessions.Messages(scope, pageKey)
	if messages == nil {
		messages = make([]models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": h.sessions.SessionID(scope, pageKey),
		"messages":   messages,
	})
}

// generateQuiz asks the provider for a structured quiz. When the caller is a
// student their stored grade steers the difficulty wording; an explicit grade
// in the body wins.
func (h *Handler) generateQuiz(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req quiz.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Grade == "" {
		if user, err := h.assistant.GetUser(c.Request.Context(), userID); err == nil {
			req.Grade = user.Grade
		}
	}
	c.JSON(http.StatusOK, h.quiz.Generate(c.Request.Context(), req))
}

func (h *Handler) listSessions(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	summaries, err := h.assistant.SessionSummaries(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if summaries == nil {
		summaries = make([]assistant.SessionSummary, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": summaries})
}

func (h *Handler) sessionMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	conversations, err := h.assistant.ConversationsBySession(c.Request.Context(), userID, sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if conversations == nil {
		conversations = make([]models.Conversation, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":    sessionID,
		"conversations": conversations,
	})
}

// recentConversations lists the caller's latest exchanges, optionally scoped
// to one category by name.
func (h *Handler) recentConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var categoryID int64
	if name := c.Query("category"); name != "" {
		category, err := h.assistant.CategoryByName(c.Request.Context(), name)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown category"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		categoryID = category.ID
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	conversations, err := h.assistant.RecentConversations(c.Request.Context(), userID, categoryID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if conversations == nil {
		conversations = make([]models.Conversation, 0)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

const maxUploadBytes = 10 << 20 // 10 MB per file

var allowedContentTypes = []string{
	"text/plain",
	"text/markdown",
	"text/csv",
	"application/json",
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

type uploadPage struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

type uploadFile struct {
	Name        string       `json:"name"`
	ContentType string       `json:"content_type"`
	Text        string       `json:"text"`
	Pages       []uploadPage `json:"pages"`
}

type uploadRequest struct {
	Files []uploadFile `json:"files"`
}

// uploadDocuments ingests uploaded material for retrieval. Teachers and the
// admin only. JSON bodies carry extracted text (optionally per page, as
// produced by a client-side PDF extractor); multipart bodies carry plain
// text files directly.
func (h *Handler) uploadDocuments(c *gin.Context) {
	user, ok := h.requireRole(c, models.RoleTeacher, models.RoleSuperAdmin)
	if !ok {
		return
	}

	var files []ingest.File
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req uploadRequest
		if err := c.ShouldBindJSON(&req); err != nil || len(req.Files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "files are required"})
			return
		}
		for _, f := range req.Files {
			if strings.TrimSpace(f.Name) == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "file name is required"})
				return
			}
			file := ingest.File{Name: filepath.Base(f.Name), ContentType: f.ContentType}
			if len(f.Pages) > 0 {
				for _, p := range f.Pages {
					file.Pages = append(file.Pages, ingest.Page{Number: p.Number, Text: p.Text})
				}
			} else {
				file.Pages = []ingest.Page{{Text: f.Text}}
			}
			files = append(files, file)
		}
	} else {
		parsed, ok := h.parseMultipartFiles(c)
		if !ok {
			return
		}
		files = parsed
	}

	report, err := h.ingest.IngestFiles(c.Request.Context(), user.ID, files)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, report)
}

func (h *Handler) parseMultipartFiles(c *gin.Context) ([]ingest.File, bool) {
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return nil, false
	}
	headers := c.Request.MultipartForm.File["files"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "files are required"})
		return nil, false
	}

	var files []ingest.File
	for _, header := range headers {
		if header.Size > maxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("%s is too large", header.Filename)})
			return nil, false
		}
		f, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
			return nil, false
		}
		content, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
		_ = f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
			return nil, false
		}
		contentType := http.DetectContentType(content)
		if !isAllowedContentType(contentType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported file type %s", contentType)})
			return nil, false
		}
		files = append(files, ingest.FlatFile(filepath.Base(header.Filename), contentType, string(content)))
	}
	return files, true
}

func (h *Handler) listDocuments(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	docs, err := h.assistant.ListDocuments(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if docs == nil {
		docs = make([]models.Document, 0)
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

type teacherCodeRequest struct {
	DaysValid int    `json:"days_valid"`
	Memo      string `json:"memo"`
}

func (h *Handler) createTeacherCode(c *gin.Context) {
	user, ok := h.requireRole(c, models.RoleSuperAdmin)
	if !ok {
		return
	}
	var req teacherCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	code, err := h.assistant.CreateTeacherCode(c.Request.Context(), user.ID, req.DaysValid, req.Memo)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, code)
}

func (h *Handler) listTeacherCodes(c *gin.Context) {
	user, ok := h.requireRole(c, models.RoleSuperAdmin)
	if !ok {
		return
	}
	codes, err := h.assistant.ListTeacherCodes(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if codes == nil {
		codes = make([]models.TeacherInviteCode, 0)
	}
	c.JSON(http.StatusOK, gin.H{"codes": codes})
}

type studentCodeRequest struct {
	ClassName string `json:"class_name"`
	MaxUses   int    `json:"max_uses"`
	DaysValid int    `json:"days_valid"`
	Memo      string `json:"memo"`
}

func (h *Handler) createStudentCode(c *gin.Context) {
	user, ok := h.requireRole(c, models.RoleTeacher, models.RoleSuperAdmin)
	if !ok {
		return
	}
	var req studentCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	code, err := h.assistant.CreateStudentCode(c.Request.Context(), user.ID, req.ClassName, req.MaxUses, req.DaysValid, req.Memo)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, code)
}

func (h *Handler) listStudentCodes(c *gin.Context) {
	user, ok := h.requireRole(c, models.RoleTeacher, models.RoleSuperAdmin)
	if !ok {
		return
	}
	codes, err := h.assistant.ListStudentCodes(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if codes == nil {
		codes = make([]models.StudentInviteCode, 0)
	}
	c.JSON(http.StatusOK, gin.H{"codes": codes})
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
