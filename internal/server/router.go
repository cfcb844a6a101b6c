package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dtc/internal/auth"
	"github.com/MarcoPoloResearchLab/dtc/internal/reconcile"
	"github.com/MarcoPoloResearchLab/dtc/internal/school"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	duplicateMessage         = "Attendance already exists for this phone today"
)

var (
	errMissingStateStore   = errors.New("state store dependency required")
	errMissingKeyValidator = errors.New("key validator dependency required")
	errMissingIDProvider   = errors.New("id provider dependency required")
)

// StateStore reads and rewrites the shared document.
type StateStore interface {
	Read(ctx context.Context) (reconcile.State, error)
	Update(ctx context.Context, mutate func(*reconcile.State) (bool, error)) (reconcile.State, error)
}

// KeyValidator authorizes mutating requests.
type KeyValidator interface {
	ValidateRequest(r *http.Request) error
}

type Dependencies struct {
	Store             StateStore
	Keys              KeyValidator
	IDProvider        school.IDProvider
	Clock             func() time.Time
	Logger            *zap.Logger
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStateStore
	}
	if deps.Keys == nil {
		return nil, errMissingKeyValidator
	}
	if deps.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestid.New())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		store:             deps.Store,
		keys:              deps.Keys,
		ids:               deps.IDProvider,
		clock:             clock,
		logger:            logger,
		realtime:          realtime,
		heartbeatInterval: heartbeat,
	}

	api := router.Group("/api")
	api.GET("/ping", handler.handlePing)
	api.GET("/state", handler.handleState)
	api.GET("/events", handler.handleEvents)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/attendance", handler.handleAttendanceCreate)
	protected.POST("/attendance/delete", handler.handleAttendanceDelete)
	protected.POST("/sync", handler.handleSync)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", auth.HeaderAPIKey, "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        12 * time.Hour,
	})
}

type httpHandler struct {
	store             StateStore
	keys              KeyValidator
	ids               school.IDProvider
	clock             func() time.Time
	logger            *zap.Logger
	realtime          *RealtimeDispatcher
	heartbeatInterval time.Duration
}

func (h *httpHandler) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "time": h.clock().UTC().Format(time.RFC3339Nano)})
}

func (h *httpHandler) handleState(c *gin.Context) {
	state, err := h.store.Read(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "state_read_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": state})
}

type attendanceRequestPayload struct {
	ID        string `json:"id"`
	StudentID string `json:"studentId"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Time      string `json:"time"`
}

func (h *httpHandler) handleAttendanceCreate(c *gin.Context) {
	var request attendanceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request"})
		return
	}

	recordedAt := h.clock().UTC()
	if raw := strings.TrimSpace(request.Time); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_time"})
			return
		}
		recordedAt = parsed
	}

	checkIn := reconcile.CheckInRequest{
		ID:        strings.TrimSpace(request.ID),
		StudentID: strings.TrimSpace(request.StudentID),
		Name:      strings.TrimSpace(request.Name),
		Phone:     request.Phone,
		Time:      recordedAt,
	}

	var record school.AttendanceRecord
	_, err := h.store.Update(c.Request.Context(), func(state *reconcile.State) (bool, error) {
		stored, created, err := reconcile.CheckIn(state, checkIn, h.ids.NewID)
		if err != nil {
			return false, err
		}
		record = stored
		return created, nil
	})
	if errors.Is(err, school.ErrDuplicateAttendance) {
		h.logger.Info("duplicate attendance rejected",
			zap.String("student_id", checkIn.StudentID),
			zap.String("request_id", requestid.Get(c)))
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": "duplicate", "message": duplicateMessage})
		return
	}
	if err != nil {
		h.respondServiceError(c, "attendance_create_failed", err)
		return
	}

	h.publish("attendance-created", []string{record.ID}, nil)
	c.JSON(http.StatusOK, gin.H{"ok": true, "rec": record})
}

type attendanceDeletePayload struct {
	ID string `json:"id"`
}

func (h *httpHandler) handleAttendanceDelete(c *gin.Context) {
	var request attendanceDeletePayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request"})
		return
	}
	id := strings.TrimSpace(request.ID)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "id required"})
		return
	}

	found := false
	_, err := h.store.Update(c.Request.Context(), func(state *reconcile.State) (bool, error) {
		found = reconcile.DeleteAttendance(state, id)
		return found, nil
	})
	if err != nil {
		h.respondServiceError(c, "attendance_delete_failed", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not found"})
		return
	}

	h.publish("attendance-deleted", []string{id}, nil)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	var payload reconcile.Payload
	if err := c.ShouldBindJSON(&payload); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request"})
		return
	}

	payload = payload.WithDefaultTimes(h.clock().UTC())

	var report reconcile.PushReport
	state, err := h.store.Update(c.Request.Context(), func(state *reconcile.State) (bool, error) {
		report = reconcile.MergePush(state, payload)
		return report.Changed(), nil
	})
	if err != nil {
		h.respondServiceError(c, "sync_failed", err)
		return
	}

	h.logger.Info("sync merged",
		zap.Int("students_added", report.StudentsAdded),
		zap.Int("students_duplicate_phone", report.StudentsDuplicatePhone),
		zap.Int("attendance_added", report.AttendanceAdded),
		zap.Int("transactions_added", report.TransactionsAdded),
		zap.String("request_id", requestid.Get(c)))

	if report.Changed() {
		h.publish("sync", collectRecordIDs(payload.Attendance), collectStudentIDs(payload.Students))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": state})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if err := h.keys.ValidateRequest(c.Request); err != nil {
		h.logger.Warn("api key validation failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", requestid.Get(c)),
			zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
		return
	}
	c.Next()
}

type codedError interface {
	Code() string
}

func (h *httpHandler) respondServiceError(c *gin.Context, errorCode string, err error) {
	h.logger.Error("request failed",
		zap.String("error_code", errorCode),
		zap.String("request_id", requestid.Get(c)),
		zap.Error(err))
	payload := gin.H{"ok": false, "error": errorCode}
	var coded codedError
	if errors.As(err, &coded) {
		payload["code"] = coded.Code()
	}
	c.JSON(http.StatusInternalServerError, payload)
}

func (h *httpHandler) publish(reason string, attendanceIDs, studentIDs []string) {
	h.realtime.Publish(RealtimeMessage{
		EventType:     RealtimeEventStateChanged,
		Reason:        reason,
		AttendanceIDs: attendanceIDs,
		StudentIDs:    studentIDs,
		Timestamp:     h.clock().UTC(),
	})
}

func collectRecordIDs(records []school.AttendanceRecord) []string {
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		if record.ID != "" {
			ids = append(ids, record.ID)
		}
	}
	return ids
}

func collectStudentIDs(students []school.Student) []string {
	if len(students) == 0 {
		return nil
	}
	ids := make([]string, 0, len(students))
	for _, student := range students {
		if student.ID != "" {
			ids = append(ids, student.ID)
		}
	}
	return ids
}
