package httpapi

import "time"

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

type createStudentRequest struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"required"`
}

type bookRequest struct {
	Title       string `json:"title" validate:"required"`
	Author      string `json:"author" validate:"required"`
	Publication string `json:"publication"`
	Stock       int    `json:"stock" validate:"gte=0"`
	IsActive    *bool  `json:"is_active"`
	PdfURL      string `json:"pdf_url"`
	VideoURL    string `json:"video_url"`
}

type settingsRequest struct {
	MaxBookLimit  int   `json:"max_book_limit" validate:"required,gt=0"`
	PenaltyPerDay int64 `json:"penalty_per_day" validate:"gte=0"`
}

type issueRequest struct {
	StudentID uint       `json:"student_id" validate:"required"`
	BookID    uint       `json:"book_id" validate:"required"`
	DueDate   *time.Time `json:"due_date"`
}

type returnRequest struct {
	ReturnDate *time.Time `json:"return_date"`
}

type broadcastRequest struct {
	Message string `json:"message" validate:"required"`
}

type replyRequest struct {
	Reply string `json:"reply" validate:"required"`
}

type profileRequest struct {
	Name string `json:"name" validate:"required"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8"`
}
