package model

// Answer is a participant's saved answer for one question. Jawaban is
// nullable: a flag-only save creates a row without an answer value.
type Answer struct {
	UserID     int     `json:"user_id"`
	CourseID   int     `json:"course_id"`
	QuestionID int     `json:"soal_id"`
	Jawaban    *string `json:"jawaban"`
	Attempt    int     `json:"attempt"`
	Flag       bool    `json:"flag"`
}

// RecordAnswerRequest is the payload for saving an answer.
type RecordAnswerRequest struct {
	QuestionID   int    `json:"soal_id" binding:"required"`
	Jawaban      string `json:"jawaban" binding:"required"`
	Attempt      int    `json:"attempt" binding:"required,min=1"`
	WaktuTersisa *int   `json:"waktu_tersisa" binding:"omitempty,min=0"`
}

// ToggleFlagRequest is the payload for marking a question as doubtful.
type ToggleFlagRequest struct {
	QuestionID int  `json:"soal_id" binding:"required"`
	Attempt    int  `json:"attempt" binding:"omitempty,min=0"`
	Flag       bool `json:"flag"`
}

// ResetRequest optionally narrows a course reset to one participant.
type ResetRequest struct {
	UserID *int `json:"user_id" binding:"omitempty,min=1"`
}
