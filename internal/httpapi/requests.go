package httpapi

import "faceexam/internal/model"

type generateClassRequest struct {
	Name      string `json:"name" binding:"max=120"`
	ExamTitle string `json:"examTitle" binding:"max=200"`
}

type createSessionRequest struct {
	Name            string `json:"name" binding:"max=120"`
	ExamTitle       string `json:"examTitle" binding:"required,notblank,max=200"`
	QuestionsJSON   string `json:"questionsJson" binding:"required"`
	DurationMinutes int    `json:"durationMinutes" binding:"gte=0,lte=600"`
}

type createExamRequest struct {
	ClassID         string              `json:"classId" binding:"required"`
	Title           string              `json:"title" binding:"required,notblank,max=200"`
	Questions       []model.NewQuestion `json:"questions" binding:"required,min=1"`
	DurationMinutes int                 `json:"durationMinutes" binding:"gte=0,lte=600"`
}

type faceLoginRequest struct {
	ImageBase64 string `json:"imageBase64" binding:"required"`
	ClassID     string `json:"classId" binding:"required"`
	ExamID      string `json:"examId"`
}

type createCheckRequest struct {
	ExamID          string `json:"examId"`
	CreatedBy       string `json:"createdBy" binding:"max=120"`
	DurationSeconds int    `json:"durationSeconds" binding:"gte=0"`
}

type respondRequest struct {
	ImageBase64   string `json:"imageBase64" binding:"required"`
	ClassID       string `json:"classId"`
	ExamAttemptID string `json:"examAttemptId"`
}

type answerRequest struct {
	QuestionID string  `json:"questionId" binding:"required"`
	OptionID   *string `json:"optionId"`
}

type submitRequest struct {
	ExamAttemptID string          `json:"examAttemptId" binding:"required"`
	Answers       []answerRequest `json:"answers" binding:"required,min=1,dive"`
}
