package httpapi

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/libraryhub/services/library/internal/auth"
	"github.com/libraryhub/services/library/internal/db"
)

// defaultStudentPassword seeds librarian-created accounts; students change
// it through the password reset flow.
const defaultStudentPassword = "Password123"

func (s *Server) handleLibrarianLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	librarian, err := s.catalog.GetLibrarianByEmail(c.UserContext(), req.Email)
	if err != nil || !auth.CheckPassword(librarian.PasswordHash, req.Password) {
		return fail(c, fiber.StatusUnauthorized, "invalid email or password")
	}

	token, err := s.auth.SignToken(librarian.ID, librarian.Email, auth.RoleLibrarian)
	if err != nil {
		s.log.Error("Failed to sign token", zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "internal error")
	}

	return ok(c, fiber.Map{"token": token, "email": librarian.Email})
}

func (s *Server) handleCreateStudent(c *fiber.Ctx) error {
	var req createStudentRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	hash, err := auth.HashPassword(defaultStudentPassword)
	if err != nil {
		s.log.Error("Failed to hash password", zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "internal error")
	}

	student := &db.Student{
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: hash,
		IsActive:     true,
		IsVerified:   false,
	}
	if err := s.catalog.CreateStudent(c.UserContext(), student); err != nil {
		return failFor(c, err)
	}

	return created(c, student)
}

func (s *Server) handleListStudents(c *fiber.Ctx) error {
	students, err := s.catalog.ListStudents(c.UserContext())
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, students)
}

func (s *Server) handleSearchStudents(c *fiber.Ctx) error {
	students, err := s.catalog.SearchStudents(c.UserContext(), c.Query("q"))
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, students)
}

func (s *Server) handleGetStudent(c *fiber.Ctx) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid id")
	}

	student, err := s.catalog.GetStudent(c.UserContext(), id)
	if err != nil {
		return failFor(c, err)
	}

	openLoans, err := s.loans.CountOpen(c.UserContext(), id)
	if err != nil {
		return failFor(c, err)
	}

	return ok(c, fiber.Map{"student": student, "open_loans": openLoans})
}

func (s *Server) handleActivateStudent(c *fiber.Ctx) error {
	return s.setStudentActive(c, true)
}

func (s *Server) handleDeactivateStudent(c *fiber.Ctx) error {
	return s.setStudentActive(c, false)
}

func (s *Server) setStudentActive(c *fiber.Ctx, active bool) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid id")
	}

	student, err := s.catalog.SetStudentActive(c.UserContext(), id, active)
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, student)
}

func (s *Server) handleVerifyStudent(c *fiber.Ctx) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid id")
	}

	student, err := s.catalog.VerifyStudent(c.UserContext(), id)
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, student)
}

func (s *Server) handleDeleteStudent(c *fiber.Ctx) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid id")
	}

	if err := s.catalog.DeleteStudent(c.UserContext(), id); err != nil {
		return failFor(c, err)
	}
	return okMessage(c, "student deleted")
}

func (s *Server) handleCreateBook(c *fiber.Ctx) error {
	var req bookRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	book := &db.Book{
		Title:       req.Title,
		Author:      req.Author,
		Publication: req.Publication,
		Stock:       req.Stock,
		IsActive:    true,
		PdfURL:      req.PdfURL,
		VideoURL:    req.VideoURL,
	}
	if err := s.catalog.CreateBook(c.UserContext(), book); err != nil {
		return failFor(c, err)
	}

	return created(c, book)
}

func (s *Server) handleListBooks(c *fiber.Ctx) error {
	books, err := s.catalog.ListBooks(c.UserContext())
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, books)
}

func (s *Server) handleSearchBooks(c *fiber.Ctx) error {
	books, err := s.catalog.SearchBooks(c.UserContext(), c.Query("q"))
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, books)
}

func (s *Server) handleGetBook(c *fiber.Ctx) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid id")
	}

	book, err := s.catalog.GetBook(c.UserContext(), id)
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, book)
}

func (s *Server) handleUpdateBook(c *fiber.Ctx) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid id")
	}

	var req bookRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	book, err := s.catalog.UpdateBook(c.UserContext(), &db.Book{
		ID:          id,
		Title:       req.Title,
		Author:      req.Author,
		Publication: req.Publication,
		Stock:       req.Stock,
		IsActive:    active,
		PdfURL:      req.PdfURL,
		VideoURL:    req.VideoURL,
	})
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, book)
}

func (s *Server) handleActivateBook(c *fiber.Ctx) error {
	return s.setBookActive(c, true)
}

func (s *Server) handleDeactivateBook(c *fiber.Ctx) error {
	return s.setBookActive(c, false)
}

func (s *Server) setBookActive(c *fiber.Ctx, active bool) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid id")
	}

	book, err := s.catalog.SetBookActive(c.UserContext(), id, active)
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, book)
}

func (s *Server) handleDeleteBook(c *fiber.Ctx) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid id")
	}

	if err := s.catalog.DeleteBook(c.UserContext(), id); err != nil {
		return failFor(c, err)
	}
	return okMessage(c, "book deleted")
}

func (s *Server) handleGetSettings(c *fiber.Ctx) error {
	settings, err := s.settings.Get(c.UserContext())
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, settings)
}

func (s *Server) handleUpdateSettings(c *fiber.Ctx) error {
	var req settingsRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	settings, err := s.settings.Update(c.UserContext(), req.MaxBookLimit, req.PenaltyPerDay)
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, settings)
}

func (s *Server) handleIssueBook(c *fiber.Ctx) error {
	var req issueRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	issueDate := time.Now()
	dueDate := issueDate.AddDate(0, 0, s.loanPeriodDays)
	if req.DueDate != nil {
		dueDate = *req.DueDate
	}

	issue, err := s.loans.Issue(c.UserContext(), req.StudentID, req.BookID, issueDate, dueDate)
	if err != nil {
		return failFor(c, err)
	}

	// Event delivery must not fail the request
	go func() {
		eventCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.publisher.PublishLoanIssued(eventCtx, issue.ID, issue.StudentID, issue.BookID, issue.DueDate); err != nil {
			s.log.Error("Failed to publish loan issued event",
				zap.Uint("issue_id", issue.ID),
				zap.Error(err),
			)
		}
	}()

	return created(c, issue)
}

func (s *Server) handleReturnBook(c *fiber.Ctx) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid id")
	}

	var req returnRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fail(c, fiber.StatusBadRequest, "malformed request body")
		}
	}

	returnDate := time.Now()
	if req.ReturnDate != nil {
		returnDate = *req.ReturnDate
	}

	penalty, err := s.loans.Return(c.UserContext(), id, returnDate)
	if err != nil {
		return failFor(c, err)
	}

	go func() {
		eventCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.publisher.PublishLoanReturned(eventCtx, id, penalty); err != nil {
			s.log.Error("Failed to publish loan returned event",
				zap.Uint("issue_id", id),
				zap.Error(err),
			)
		}
	}()

	return ok(c, fiber.Map{"penalty_charged": penalty})
}

func (s *Server) handleGetLoan(c *fiber.Ctx) error {
	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid id")
	}

	issue, err := s.loans.Get(c.UserContext(), id)
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, issue)
}

func (s *Server) handleListOpenLoans(c *fiber.Ctx) error {
	var studentID *uint
	if raw := c.Query("student_id"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return fail(c, fiber.StatusBadRequest, "invalid student_id")
		}
		id := uint(n)
		studentID = &id
	}

	issues, err := s.loans.ListOpen(c.UserContext(), studentID)
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, issues)
}

func (s *Server) handleBroadcastNotification(c *fiber.Ctx) error {
	var req broadcastRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	notifications, err := s.notifications.Broadcast(c.UserContext(), req.Message)
	if err != nil {
		return failFor(c, err)
	}

	go func() {
		eventCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.publisher.PublishNotificationBroadcast(eventCtx, req.Message, len(notifications)); err != nil {
			s.log.Error("Failed to publish notification broadcast event", zap.Error(err))
		}
	}()

	return created(c, notifications)
}

func (s *Server) handleListNotifications(c *fiber.Ctx) error {
	notifications, err := s.notifications.List(c.UserContext())
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, notifications)
}

func parseIDParam(c *fiber.Ctx) (uint, error) {
	n, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil || n == 0 {
		return 0, fiber.ErrBadRequest
	}
	return uint(n), nil
}
