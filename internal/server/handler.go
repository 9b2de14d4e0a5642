package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ragrelay/internal/auth"
	"ragrelay/internal/config"
	"ragrelay/internal/metrics"
	"ragrelay/internal/rag"
	"ragrelay/internal/service"
	"ragrelay/internal/supabase"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// 与原前端约定一致的简单邮箱格式检查，不做 RFC 级校验。
var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

var filenameRe = regexp.MustCompile(`[^\w.\-]+`)

// 目前只开放 google 一个 OAuth 提供方。
var allowedProviders = map[string]bool{"google": true}

// Handler 聚合全部 HTTP handler，外部协作方与服务层显式注入。
type Handler struct {
	cfg        config.Config
	authAPI    supabase.AuthAPI
	storage    supabase.StorageAPI
	ragAPI     rag.API
	chatSvc    *service.ChatService
	profileSvc *service.ProfileService
}

func NewHandler(cfg config.Config, authAPI supabase.AuthAPI, storage supabase.StorageAPI, ragAPI rag.API, chatSvc *service.ChatService, profileSvc *service.ProfileService) *Handler {
	return &Handler{cfg: cfg, authAPI: authAPI, storage: storage, ragAPI: ragAPI, chatSvc: chatSvc, profileSvc: profileSvc}
}

type safeUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func toSafeUser(u *supabase.User) *safeUser {
	if u == nil {
		return nil
	}
	return &safeUser{ID: u.ID, Email: u.Email, Name: u.UserMetadata.Name}
}

func toUserData(u *supabase.User) service.UserData {
	return service.UserData{
		Email: u.Email,
		Metadata: service.UserMetadata{
			FullName:  u.UserMetadata.FullName,
			Name:      u.UserMetadata.Name,
			AvatarURL: u.UserMetadata.AvatarURL,
			Picture:   u.UserMetadata.Picture,
			Username:  u.UserMetadata.Username,
		},
	}
}

// reconcileProfile 认证成功后的 best-effort 副作用：
// 失败只记日志，绝不影响主响应。
func (h *Handler) reconcileProfile(u *supabase.User, flow string) {
	if u == nil || u.ID == "" {
		return
	}
	if _, err := h.profileSvc.Upsert(u.ID, toUserData(u)); err != nil {
		log.Error().Err(err).Str("user_id", u.ID).Str("flow", flow).Msg("profile upsert")
	}
}

// Login 密码登录，或在带 provider 时发起 OAuth 流程。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Provider string `json:"provider"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if req.Provider != "" {
		if !allowedProviders[req.Provider] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported provider: " + req.Provider})
			return
		}
		url := h.authAPI.AuthorizeURL(req.Provider)
		log.Info().Str("provider", req.Provider).Msg("oauth login initiated")
		c.JSON(http.StatusOK, gin.H{"provider": req.Provider, "url": url})
		return
	}

	if req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	sess, err := h.authAPI.SignInWithPassword(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		var apiErr *supabase.APIError
		if errors.As(err, &apiErr) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": apiErr.Message})
			return
		}
		log.Error().Err(err).Str("email", req.Email).Msg("password login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	user := toSafeUser(sess.User)
	if user != nil {
		log.Info().Str("email", user.Email).Msg("password login successful")
	}
	if token := sess.AccessToken; len(token) > 12 {
		log.Debug().Str("token_prefix", token[:12]).Msg("issued access token")
	}
	h.reconcileProfile(sess.User, "login")

	c.JSON(http.StatusOK, gin.H{
		"user":    user,
		"token":   sess.AccessToken,
		"session": gin.H{"expires_at": sess.ExpiresAt},
	})
}

// Signup 邮箱注册。邮箱格式不合法时直接拒绝，不触发任何协作方调用。
func (h *Handler) Signup(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	if !emailRe.MatchString(strings.ToLower(req.Email)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email address"})
		return
	}

	result, err := h.authAPI.SignUp(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		var apiErr *supabase.APIError
		if errors.As(err, &apiErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": apiErr.Message})
			return
		}
		log.Error().Err(err).Str("email", req.Email).Msg("signup")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.reconcileProfile(result.User, "signup")

	var user gin.H
	if result.User != nil {
		user = gin.H{"id": result.User.ID, "email": result.User.Email, "created_at": result.User.CreatedAt}
	}
	c.JSON(http.StatusCreated, gin.H{
		"user": user,
		"meta": gin.H{"confirmation_sent_at": result.ConfirmationSentAt},
	})
}

// Session OAuth 回调后用 access_token 换取规范会话。
// expires_in 是相对秒数，这里换算成绝对时间戳返回。
func (h *Handler) Session(c *gin.Context) {
	var req struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    *int64 `json:"expires_in"`
		TokenType    string `json:"token_type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.AccessToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "access_token is required"})
		return
	}

	user, err := h.authAPI.GetUser(c.Request.Context(), req.AccessToken)
	if err != nil {
		var apiErr *supabase.APIError
		if errors.As(err, &apiErr) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": apiErr.Message})
			return
		}
		log.Error().Err(err).Msg("session exchange")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	safe := toSafeUser(user)
	if safe != nil {
		log.Info().Str("email", safe.Email).Msg("oauth login completed")
	} else {
		log.Warn().Msg("oauth login completed with missing user details")
	}
	h.reconcileProfile(user, "session")

	var expiresAt *int64
	if req.ExpiresIn != nil {
		v := time.Now().Unix() + *req.ExpiresIn
		expiresAt = &v
	}
	c.JSON(http.StatusOK, gin.H{
		"user":          safe,
		"token":         req.AccessToken,
		"refresh_token": req.RefreshToken,
		"expires_at":    expiresAt,
	})
}

// Logout 调认证服务登出；无论如何客户端都会自行清掉本地会话。
func (h *Handler) Logout(c *gin.Context) {
	token := ""
	if authz := c.GetHeader("Authorization"); strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		token = strings.TrimSpace(authz[len("Bearer "):])
	}
	if err := h.authAPI.SignOut(c.Request.Context(), token); err != nil {
		log.Error().Err(err).Msg("logout")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "signed out"})
}

// RAGChat 把一轮对话转发给推理服务。
// has_image 未显式给出时由 image_name 是否存在推断。
func (h *Handler) RAGChat(c *gin.Context) {
	var req struct {
		UserID    string      `json:"user_id"`
		ChatID    string      `json:"chat_id"`
		ModelName string      `json:"model_name"`
		Question  string      `json:"question"`
		ImageName string      `json:"image_name"`
		HasImage  interface{} `json:"has_image"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.UserID == "" || req.ChatID == "" || req.ModelName == "" || req.Question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id, chat_id, model_name, and question are required"})
		return
	}

	hasImage := req.ImageName != ""
	switch v := req.HasImage.(type) {
	case bool:
		hasImage = v
	case string:
		hasImage = strings.EqualFold(v, "true")
	}

	payload := rag.ChatRequest{
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		ModelName: req.ModelName,
		Question:  req.Question,
		HasImage:  boolStr(hasImage),
		ImageName: req.ImageName,
	}
	if payload.ImageName == "" {
		// 上游把字符串 "false" 当作无图。
		payload.ImageName = "false"
	}

	log.Info().
		Str("user_id", req.UserID).
		Str("chat_id", req.ChatID).
		Str("model", req.ModelName).
		Str("has_image", payload.HasImage).
		Msg("rag chat forward")

	up, err := h.ragAPI.Chat(c.Request.Context(), payload)
	if err != nil {
		log.Error().Err(err).Str("chat_id", req.ChatID).Msg("rag chat")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "RAG chat request failed"})
		return
	}
	metrics.ObserveUpstream("chat", up.Status)
	log.Info().Int("status", up.Status).Str("detail", up.Detail()).Msg("rag chat response")

	if up.OK() {
		c.Data(up.Status, "application/json", up.Body)
		return
	}
	c.JSON(up.Status, gin.H{"error": "RAG upstream error", "detail": up.Detail()})
}

// RAGCloseChat 通知推理服务会话结束，可触发其向量归档。
func (h *Handler) RAGCloseChat(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
		ChatID string `json:"chat_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.UserID == "" || req.ChatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and chat_id are required"})
		return
	}

	log.Info().Str("user_id", req.UserID).Str("chat_id", req.ChatID).Msg("rag close_chat forward")
	up, err := h.ragAPI.CloseChat(c.Request.Context(), req.UserID, req.ChatID)
	if err != nil {
		log.Error().Err(err).Str("chat_id", req.ChatID).Msg("rag close_chat")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "RAG close_chat request failed"})
		return
	}
	metrics.ObserveUpstream("close_chat", up.Status)

	if up.OK() {
		c.Data(up.Status, "application/json", up.Body)
		return
	}
	c.JSON(up.Status, gin.H{"error": "RAG close_chat request failed"})
}

// RAGMergeChats 把至少两个会话合并进一个新会话。
func (h *Handler) RAGMergeChats(c *gin.Context) {
	var req struct {
		UserID       string   `json:"user_id"`
		NewChatID    string   `json:"new_chat_id"`
		MergeChatIDs []string `json:"merge_chat_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.UserID == "" || req.NewChatID == "" || len(req.MergeChatIDs) < 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id, new_chat_id and merge_chat_ids (>=2) are required"})
		return
	}

	log.Info().
		Str("user_id", req.UserID).
		Str("new_chat_id", req.NewChatID).
		Strs("merge_chat_ids", req.MergeChatIDs).
		Msg("rag merge_chats forward")

	up, err := h.ragAPI.MergeChats(c.Request.Context(), rag.MergeRequest{
		UserID:       req.UserID,
		NewChatID:    req.NewChatID,
		MergeChatIDs: req.MergeChatIDs,
	})
	if err != nil {
		log.Error().Err(err).Str("new_chat_id", req.NewChatID).Msg("rag merge_chats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "RAG merge_chats request failed"})
		return
	}
	metrics.ObserveUpstream("merge_chats", up.Status)

	if up.OK() {
		c.Data(up.Status, "application/json", up.Body)
		return
	}
	c.JSON(up.Status, gin.H{"error": "RAG merge_chats upstream error", "detail": up.Detail()})
}

// UploadImage 把聊天图片存进对象存储，推理服务之后按路径自取。
func (h *Handler) UploadImage(c *gin.Context) {
	userID := c.PostForm("user_id")
	chatID := c.PostForm("chat_id")
	if userID == "" || chatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and chat_id are required"})
		return
	}
	fileHeader, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required (field name: image)"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		log.Error().Err(err).Msg("open uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Image upload failed"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		log.Error().Err(err).Msg("read uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Image upload failed"})
		return
	}

	contentType := fileHeader.Header.Get("Content-Type")
	storagePath := buildStoragePath(userID, chatID, fileHeader.Filename, contentType)

	if err := h.storage.Upload(c.Request.Context(), h.cfg.StorageBucket, storagePath, data, contentType); err != nil {
		log.Error().Err(err).Str("path", storagePath).Msg("storage upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to upload image to storage"})
		return
	}

	log.Info().Str("path", storagePath).Msg("image stored")
	c.JSON(http.StatusCreated, gin.H{"image_name": storagePath})
}

// buildStoragePath 时间戳+随机后缀+清洗过的原始文件名，避免覆盖冲突。
func buildStoragePath(userID, chatID, original, contentType string) string {
	name := sanitizeFilename(original)
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" {
		base = "upload"
	}
	ext := extFromMIME(contentType)
	if ext == "" {
		ext = strings.TrimPrefix(filepath.Ext(name), ".")
	}
	if ext == "" {
		ext = "bin"
	}
	stamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return "images/" + userID + "/" + chatID + "/" + stamp + "-" + randSuffix() + "-" + base + "." + ext
}

func sanitizeFilename(name string) string {
	if name == "" {
		name = "upload"
	}
	return filenameRe.ReplaceAllString(name, "_")
}

func extFromMIME(contentType string) string {
	if contentType == "" {
		return ""
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return strings.TrimPrefix(exts[0], ".")
}

func randSuffix() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "000000"
	}
	return hex.EncodeToString(b[:])
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// SyncChats 客户端批量落库积压会话，整批成功才算成功。
func (h *Handler) SyncChats(c *gin.Context) {
	userID := auth.GetUserID(c)
	var req struct {
		Chats []service.SyncChat `json:"chats"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	synced, err := h.chatSvc.SyncBatch(userID, req.Chats)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Int("synced", synced).Msg("sync chats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sync chats", "synced": synced})
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": synced})
}

// ListChats 返回当前用户的会话列表。
func (h *Handler) ListChats(c *gin.Context) {
	chats, err := h.chatSvc.List(auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Msg("list chats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list chats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// GetChat 按归属读取单个会话。
func (h *Handler) GetChat(c *gin.Context) {
	chat, err := h.chatSvc.Get(auth.GetUserID(c), c.Param("chat_id"))
	if err != nil {
		if errors.Is(err, service.ErrChatNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		log.Error().Err(err).Str("chat_id", c.Param("chat_id")).Msg("get chat")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get chat"})
		return
	}
	c.JSON(http.StatusOK, chat)
}
