package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/volatiletech/null/v8"

	"faceexam/internal/apperr"
	"faceexam/internal/attendance"
	"faceexam/internal/auth"
	"faceexam/internal/classroom"
	"faceexam/internal/faceclient"
	"faceexam/internal/model"
	"faceexam/internal/scoring"
)

// utcTimestamp renders t as an explicit UTC ISO-8601 string with milliseconds.
func utcTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// -------- Classes & sessions --------

func (h *handler) generateClass(c *gin.Context) {
	var req generateClassRequest
	if !h.bindOptionalJSON(c, &req) {
		return
	}
	class, err := h.Classroom.GenerateClass(c.Request.Context(), req.Name, req.ExamTitle)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "classId": class.ID, "code": class.Code, "name": class.Name})
}

func (h *handler) classByCode(c *gin.Context) {
	class, err := h.Classroom.ClassByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if class == nil {
		c.JSON(http.StatusOK, gin.H{"exists": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": true, "classId": class.ID, "name": class.Name, "code": class.Code})
}

func (h *handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if !h.bindJSON(c, &req) {
		return
	}
	sess, err := h.Classroom.CreateSession(c.Request.Context(), classroom.SessionInput{
		Name:            req.Name,
		ExamTitle:       req.ExamTitle,
		QuestionsJSON:   req.QuestionsJSON,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"classId":   sess.Class.ID,
		"className": sess.Class.Name,
		"code":      sess.Class.Code,
		"examId":    sess.Exam.ID,
		"examTitle": sess.Exam.Title,
	})
}

func (h *handler) createExam(c *gin.Context) {
	var req createExamRequest
	if !h.bindJSON(c, &req) {
		return
	}
	exam, err := h.Classroom.CreateExam(c.Request.Context(), classroom.ExamInput{
		ClassID:         req.ClassID,
		Title:           req.Title,
		Questions:       req.Questions,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":         true,
		"examId":          exam.ID,
		"classId":         exam.ClassID,
		"title":           exam.Title,
		"durationMinutes": exam.DurationMinutes,
		"questionCount":   len(exam.Questions),
	})
}

func (h *handler) examByCode(c *gin.Context) {
	class, exam, err := h.Classroom.ExamForCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if class == nil {
		c.JSON(http.StatusOK, gin.H{"exists": false})
		return
	}
	if exam == nil {
		c.JSON(http.StatusOK, gin.H{"exists": false, "error": "class has no exam"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exists":    true,
		"classId":   class.ID,
		"className": class.Name,
		"code":      class.Code,
		"exam":      exam,
	})
}

// -------- Face login & attendance --------

func (h *handler) faceLogin(c *gin.Context) {
	var req faceLoginRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if _, err := faceclient.NormalizeImage(req.ImageBase64); err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.Attendance.FaceLogin(c.Request.Context(), attendance.LoginInput{
		ImageBase64: req.ImageBase64,
		ClassID:     req.ClassID,
		ExamID:      req.ExamID,
		ClientIP:    c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"studentName":     res.Student.FullName,
		"similarity":      res.Attempt.VerificationScore,
		"status":          res.Attempt.VerificationStatus,
		"examAttemptId":   res.Attempt.ID,
		"examId":          res.Attempt.ExamID,
		"startedAt":       utcTimestamp(res.Attempt.StartedAt),
		"durationMinutes": res.DurationMinutes,
		"sessionToken":    res.Session.Token,
	})
}

func (h *handler) createCheck(c *gin.Context) {
	var req createCheckRequest
	if !h.bindOptionalJSON(c, &req) {
		return
	}
	check, err := h.Attendance.CreateCheck(c.Request.Context(), c.Param("classId"), attendance.CheckInput{
		ExamID:          req.ExamID,
		CreatedBy:       req.CreatedBy,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "check": checkJSON(check)})
}

func checkJSON(ch model.AttendanceCheck) gin.H {
	return gin.H{
		"id":        ch.ID,
		"classId":   ch.ClassID,
		"examId":    ch.ExamID,
		"createdBy": ch.CreatedBy,
		"createdAt": utcTimestamp(ch.CreatedAt),
		"expiresAt": utcTimestamp(ch.ExpiresAt),
	}
}

func (h *handler) activeCheck(c *gin.Context) {
	check, err := h.Attendance.ActiveCheck(c.Request.Context(), c.Param("classId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if check == nil {
		c.JSON(http.StatusOK, gin.H{"hasActive": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hasActive": true, "checkId": check.ID, "expiresAt": utcTimestamp(check.ExpiresAt)})
}

func (h *handler) respond(c *gin.Context) {
	var req respondRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if _, err := faceclient.NormalizeImage(req.ImageBase64); err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.Attendance.Respond(c.Request.Context(), c.Param("checkId"), attendance.RespondInput{
		ImageBase64:   req.ImageBase64,
		ClassID:       req.ClassID,
		ExamAttemptID: req.ExamAttemptID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	body := gin.H{
		"success":          res.Success(),
		"status":           res.Response.VerificationStatus,
		"similarity":       res.Response.VerificationScore,
		"identityMismatch": res.Response.IdentityMismatch,
		"late":             res.Response.Late,
	}
	if !res.Success() {
		switch {
		case res.Response.IdentityMismatch:
			body["error"] = "face does not match the student who started the exam"
		case res.Response.Late:
			body["error"] = "attendance check has expired"
		default:
			body["error"] = "verification failed"
		}
	}
	c.JSON(http.StatusOK, body)
}

// -------- Exams --------

func (h *handler) submit(c *gin.Context) {
	var req submitRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if claims, ok := auth.ClaimsFrom(c); ok && claims.AttemptID != req.ExamAttemptID {
		h.writeError(c, apperr.NewForbidden("session token does not belong to this exam attempt"))
		return
	}
	answers := make([]model.Answer, 0, len(req.Answers))
	for _, a := range req.Answers {
		answers = append(answers, model.Answer{QuestionID: a.QuestionID, OptionID: null.StringFromPtr(a.OptionID)})
	}
	res, err := h.Scoring.Submit(c.Request.Context(), c.Param("examId"), scoring.SubmitInput{
		ExamAttemptID: req.ExamAttemptID,
		Answers:       answers,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"score":          res.Score,
		"correctCount":   res.CorrectCount,
		"totalQuestions": res.TotalQuestions,
	})
}

func (h *handler) leaderboard(c *gin.Context) {
	rows, err := h.Report.Leaderboard(c.Request.Context(), c.Param("examId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		out = append(out, gin.H{"full_name": r.FullName, "exam_score": r.ExamScore, "started_at": utcTimestamp(r.StartedAt)})
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) classReport(c *gin.Context) {
	classID := c.Param("classId")
	rows, err := h.Report.ClassReport(c.Request.Context(), classID, c.Query("examId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"classId": classID, "data": rows})
}
