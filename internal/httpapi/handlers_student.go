package httpapi

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/libraryhub/services/library/internal/auth"
	"github.com/libraryhub/services/library/internal/db"
)

func (s *Server) handleStudentRegister(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	hash, err := auth.HashPassword(req.Password)
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

func (s *Server) handleStudentLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	student, err := s.catalog.GetStudentByEmail(c.UserContext(), req.Email)
	if err != nil || !auth.CheckPassword(student.PasswordHash, req.Password) {
		return fail(c, fiber.StatusUnauthorized, "invalid email or password")
	}

	token, err := s.auth.SignToken(student.ID, student.Email, auth.RoleStudent)
	if err != nil {
		s.log.Error("Failed to sign token", zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "internal error")
	}

	return ok(c, fiber.Map{"token": token, "email": student.Email})
}

// handleStudentVerified reports the verification and activity gates for an
// account, so the frontend can explain why a login is rejected.
func (s *Server) handleStudentVerified(c *fiber.Ctx) error {
	student, err := s.catalog.GetStudentByEmail(c.UserContext(), c.Params("email"))
	if err != nil {
		return failFor(c, err)
	}

	return ok(c, fiber.Map{
		"is_verified": student.IsVerified,
		"is_active":   student.IsActive,
	})
}

func (s *Server) handleMyOpenLoans(c *fiber.Ctx) error {
	claims := claimsFrom(c)
	if claims == nil {
		return fail(c, fiber.StatusUnauthorized, "missing claims")
	}

	issues, err := s.loans.ListOpen(c.UserContext(), &claims.UserID)
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, issues)
}

func (s *Server) handleReplyNotification(c *fiber.Ctx) error {
	claims := claimsFrom(c)
	if claims == nil {
		return fail(c, fiber.StatusUnauthorized, "missing claims")
	}

	id, err := parseIDParam(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid id")
	}

	var req replyRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	notification, err := s.notifications.Reply(c.UserContext(), id, claims.UserID, req.Reply)
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, notification)
}

func (s *Server) handleUpdateProfile(c *fiber.Ctx) error {
	claims := claimsFrom(c)
	if claims == nil {
		return fail(c, fiber.StatusUnauthorized, "missing claims")
	}

	var req profileRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	student, err := s.catalog.UpdateStudentProfile(c.UserContext(), claims.UserID, req.Name)
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, student)
}

func (s *Server) handleChangePassword(c *fiber.Ctx) error {
	claims := claimsFrom(c)
	if claims == nil {
		return fail(c, fiber.StatusUnauthorized, "missing claims")
	}

	var req changePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	student, err := s.catalog.GetStudent(c.UserContext(), claims.UserID)
	if err != nil {
		return failFor(c, err)
	}
	if !auth.CheckPassword(student.PasswordHash, req.OldPassword) {
		return fail(c, fiber.StatusUnauthorized, "invalid current password")
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		s.log.Error("Failed to hash password", zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "internal error")
	}

	if err := s.catalog.UpdateStudentPassword(c.UserContext(), claims.UserID, hash); err != nil {
		return failFor(c, err)
	}
	return okMessage(c, "password changed")
}

func (s *Server) handleMyNotifications(c *fiber.Ctx) error {
	claims := claimsFrom(c)
	if claims == nil {
		return fail(c, fiber.StatusUnauthorized, "missing claims")
	}

	notifications, err := s.notifications.ListForStudent(c.UserContext(), claims.UserID)
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, notifications)
}
