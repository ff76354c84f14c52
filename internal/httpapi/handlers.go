package httpapi

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"checkin/internal/attendance"
	"checkin/internal/auth"
	"checkin/internal/notify"
	"checkin/internal/token"
)

// maxBatch bounds the records accepted in one sync request.
const maxBatch = 5000

// ReasonAlreadyUsed is reported when single-use enforcement rejects a replay.
const ReasonAlreadyUsed = "token already used"

func (s *Server) requireAdminKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminAPIKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "registration disabled"})
			return
		}
		got := c.GetHeader("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminAPIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}
		c.Next()
	}
}

type registerStationRequest struct {
	StaffID   string `json:"staff_id" binding:"required"`
	StationID string `json:"station_id" binding:"required"`
	Role      string `json:"role"`
}

func (s *Server) registerStation(c *gin.Context) {
	var req registerStationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleStaff
	}
	if !(auth.Claims{Role: req.Role}).IsStaff() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be one of " + strings.Join(auth.StaffRoles, ", ")})
		return
	}
	tok, err := auth.Issue(req.StaffID, req.Role, req.StationID, s.cfg.JWTIssuer, s.cfg.JWTSigningKey, s.cfg.AccessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	log.Printf("station %s registered for %s (%s)", req.StationID, req.StaffID, req.Role)
	c.JSON(http.StatusCreated, gin.H{
		"access_token": tok.Token,
		"expires_at":   tok.ExpiresAt.Unix(),
		"station_id":   req.StationID,
		"role":         req.Role,
	})
}

type registerAttendeeRequest struct {
	ID       string `json:"id"`
	UniqueID string `json:"unique_id"`
	Email    string `json:"email" binding:"omitempty,email"`
	Name     string `json:"name" binding:"required"`
}

func (s *Server) registerAttendee(c *gin.Context) {
	var req registerAttendeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := s.registry.UpsertAttendee(c.Request.Context(), attendance.Attendee{
		ID:       req.ID,
		UniqueID: strings.TrimSpace(req.UniqueID),
		Email:    strings.TrimSpace(req.Email),
		Name:     req.Name,
	})
	if err != nil {
		if errors.Is(err, attendance.ErrDuplicateAttendee) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

type attendeeSessionRequest struct {
	AttendeeID string `json:"attendee_id" binding:"required"`
}

func (s *Server) attendeeSession(c *gin.Context) {
	var req attendeeSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := s.engine.Resolve(c.Request.Context(), req.AttendeeID)
	if err != nil {
		s.storeError(c, err)
		return
	}
	tok, err := auth.Issue(a.ID, auth.RoleAttendee, "", s.cfg.JWTIssuer, s.cfg.JWTSigningKey, s.cfg.AccessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token": tok.Token,
		"expires_at":   tok.ExpiresAt.Unix(),
		"attendee_id":  a.ID,
	})
}

// targetAttendee resolves the attendee a token may be issued for. Attendees
// may only act on themselves.
func (s *Server) targetAttendee(c *gin.Context, ref string) (attendance.Attendee, bool) {
	claims, _ := auth.ClaimsFrom(c)
	if ref == "" && claims.Role == auth.RoleAttendee {
		ref = claims.Subject
	}
	if ref == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "attendee_id required"})
		return attendance.Attendee{}, false
	}
	a, err := s.engine.Resolve(c.Request.Context(), ref)
	if err != nil {
		s.storeError(c, err)
		return attendance.Attendee{}, false
	}
	if claims.Role == auth.RoleAttendee && claims.Subject != a.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "attendees may only issue their own token"})
		return attendance.Attendee{}, false
	}
	if claims.Role != auth.RoleAttendee && !claims.IsStaff() {
		c.JSON(http.StatusForbidden, gin.H{"error": "role not permitted"})
		return attendance.Attendee{}, false
	}
	return a, true
}

// bindingOptions applies the configured device and network binding policy.
func (s *Server) bindingOptions(c *gin.Context, deviceInfo string) token.Options {
	var opts token.Options
	if s.cfg.TokenBindDevice {
		opts.DeviceInfo = deviceInfo
	}
	if s.cfg.TokenBindIP {
		opts.ClientIP = c.ClientIP()
	}
	return opts
}

func (s *Server) issue(c *gin.Context, attendeeID string) (token.Issued, bool) {
	opts := s.bindingOptions(c, c.GetHeader("X-Device-Info"))
	issued, err := s.codec.Issue(attendeeID, s.cfg.EventSecret, opts)
	if err != nil {
		log.Printf("token: issue for %s failed: %v", attendeeID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return token.Issued{}, false
	}
	s.metrics.TokenIssued()
	return issued, true
}

type issueTokenRequest struct {
	AttendeeID string `json:"attendee_id"`
}

func (s *Server) issueToken(c *gin.Context) {
	var req issueTokenRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	a, ok := s.targetAttendee(c, req.AttendeeID)
	if !ok {
		return
	}
	issued, ok := s.issue(c, a.ID)
	if !ok {
		return
	}
	png, err := token.RenderPNG(issued.Token, token.DefaultQRSize)
	if err != nil {
		log.Printf("token: qr render failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"attendee_id": a.ID,
		"token":       issued.Token,
		"expires_at":  issued.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"qr_png":      base64.StdEncoding.EncodeToString(png),
	})
}

func (s *Server) tokenQR(c *gin.Context) {
	a, ok := s.targetAttendee(c, c.Param("attendeeId"))
	if !ok {
		return
	}
	issued, ok := s.issue(c, a.ID)
	if !ok {
		return
	}
	size := token.DefaultQRSize
	if v := c.Query("size"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 64 && parsed <= 1024 {
			size = parsed
		}
	}
	png, err := token.RenderPNG(issued.Token, size)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Token-Expires-At", issued.ExpiresAt.UTC().Format(time.RFC3339))
	c.Data(http.StatusOK, "image/png", png)
}

type scanRequest struct {
	Token      string `json:"token" binding:"required"`
	Action     string `json:"action"`
	Location   string `json:"location"`
	DeviceInfo string `json:"device_info"`
}

type scanResponse struct {
	Valid      bool                `json:"valid"`
	Reason     string              `json:"reason,omitempty"`
	AttendeeID string              `json:"attendee_id,omitempty"`
	Status     string              `json:"status,omitempty"`
	Fact       string              `json:"fact,omitempty"`
	At         *attendance.Instant `json:"at,omitempty"`
}

func scanEvent(action, location string, at time.Time) (attendance.Event, bool) {
	switch attendance.Fact(strings.ToLower(action)) {
	case "", attendance.FactCheckIn:
		return attendance.CheckInEvent{At: at, Location: location}, true
	case attendance.FactLunch:
		return attendance.ResourceEvent{At: at, Resource: attendance.FactLunch, Location: location}, true
	case attendance.FactKit:
		return attendance.ResourceEvent{At: at, Resource: attendance.FactKit, Location: location}, true
	}
	return nil, false
}

// scan verifies a QR token and records the requested action. Token failures
// are 200 responses with valid=false so the station can rescan at once.
func (s *Server) scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	now := s.now()
	evt, ok := scanEvent(req.Action, req.Location, now)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be check-in, lunch or kit"})
		return
	}

	res := s.codec.Verify(req.Token, s.cfg.EventSecret, s.bindingOptions(c, req.DeviceInfo))
	if !res.Valid {
		s.metrics.TokenVerified(res.Reason)
		c.JSON(http.StatusOK, scanResponse{Valid: false, Reason: res.Reason})
		return
	}
	if s.nonces != nil {
		fresh, err := s.nonces.Consume(c.Request.Context(), res.Nonce, res.ExpiresAt)
		if err != nil {
			log.Printf("scan: nonce store unavailable: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "nonce store unavailable"})
			return
		}
		if !fresh {
			s.metrics.TokenVerified(ReasonAlreadyUsed)
			c.JSON(http.StatusOK, scanResponse{Valid: false, Reason: ReasonAlreadyUsed, AttendeeID: res.AttendeeID})
			return
		}
	}
	s.metrics.TokenVerified("valid")

	claims, _ := auth.ClaimsFrom(c)
	resp := scanResponse{Valid: true, AttendeeID: res.AttendeeID, Fact: string(evt.Fact()), At: &attendance.Instant{Time: now}}
	_, err := s.engine.Apply(c.Request.Context(), res.AttendeeID, evt, claims.Subject, claims.StationID)
	var stale *attendance.StaleWriteError
	switch {
	case err == nil:
		resp.Status = attendance.StatusSynced
	case errors.As(err, &stale):
		resp.Status = attendance.StatusConflict
		resp.Reason = stale.Error()
	case errors.Is(err, attendance.ErrAttendeeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	default:
		log.Printf("scan: apply for %s failed: %v", res.AttendeeID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not record scan"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

type syncRequest struct {
	OfflineRecords    []json.RawMessage   `json:"offlineRecords" binding:"required"`
	StationID         string              `json:"stationId"`
	StaffID           string              `json:"staffId"`
	LastSyncTimestamp *attendance.Instant `json:"lastSyncTimestamp"`
}

func (s *Server) sync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.OfflineRecords) > maxBatch {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "at most " + strconv.Itoa(maxBatch) + " records per batch"})
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	staffID := claims.Subject
	if req.StaffID != "" && req.StaffID != staffID {
		log.Printf("sync: body staffId %q differs from caller %q, using caller", req.StaffID, staffID)
	}
	stationID := req.StationID
	if stationID == "" {
		stationID = claims.StationID
	}

	started := time.Now()
	report := s.engine.Reconcile(c.Request.Context(), attendance.ParseRecords(req.OfflineRecords), staffID, stationID)
	s.metrics.SyncBatch(report.Processed, report.Conflicts, report.Skipped, time.Since(started))
	log.Printf("sync: station %s staff %s: %d records, %d synced, %d conflicts, %d skipped",
		stationID, staffID, report.Total, report.Processed, report.Conflicts, report.Skipped)

	c.JSON(http.StatusOK, gin.H{
		"results":       report,
		"syncTimestamp": attendance.Instant{Time: s.now().UTC()},
	})
}

func (s *Server) changes(c *gin.Context) {
	var since attendance.Instant
	if v := c.Query("since"); v != "" {
		quoted, _ := json.Marshal(v)
		if err := since.UnmarshalJSON(quoted); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	cur := attendance.Cursor{Since: since.Time, AfterID: c.Query("afterId")}
	set, err := s.engine.Changes(c.Request.Context(), cur, limit)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if set.Attendees == nil {
		set.Attendees = []attendance.Attendee{}
	}
	resp := gin.H{
		"attendees":     set.Attendees,
		"syncTimestamp": attendance.Instant{Time: set.Next.Since},
		"hasMore":       set.More,
	}
	if set.Next.AfterID != "" {
		resp["afterId"] = set.Next.AfterID
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) subscribe(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	sub := notify.Subscriber{ID: uuid.NewString(), Role: claims.Role}
	if claims.Role == auth.RoleAttendee {
		sub.AttendeeID = claims.Subject
	}
	if err := s.hub.Serve(c.Writer, c.Request, sub); err != nil {
		log.Printf("ws: upgrade failed: %v", err)
	}
}

func (s *Server) storeError(c *gin.Context, err error) {
	if errors.Is(err, attendance.ErrAttendeeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	log.Printf("store error: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
