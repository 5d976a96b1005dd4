package httpapi

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/libraryhub/services/library/internal/auth"
	"github.com/libraryhub/services/library/internal/events"
	"github.com/libraryhub/services/library/internal/loans"
	"github.com/libraryhub/services/library/internal/repo"
)

// Server is the HTTP surface over the library core. It validates and
// authenticates requests, delegates to the repositories and the loan
// service, and maps their typed errors to responses.
type Server struct {
	app            *fiber.App
	catalog        *repo.CatalogRepository
	settings       *repo.SettingsRepository
	notifications  *repo.NotificationRepository
	loans          *loans.Service
	publisher      events.Publisher
	auth           *auth.Service
	validate       *validator.Validate
	log            *zap.Logger
	loanPeriodDays int
}

// Options carries the collaborators the server needs
type Options struct {
	Catalog        *repo.CatalogRepository
	Settings       *repo.SettingsRepository
	Notifications  *repo.NotificationRepository
	Loans          *loans.Service
	Publisher      events.Publisher
	Auth           *auth.Service
	Log            *zap.Logger
	LoanPeriodDays int
}

// NewServer creates the HTTP server and registers all routes
func NewServer(opts Options) *Server {
	app := fiber.New(fiber.Config{
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
	})

	s := &Server{
		app:            app,
		catalog:        opts.Catalog,
		settings:       opts.Settings,
		notifications:  opts.Notifications,
		loans:          opts.Loans,
		publisher:      opts.Publisher,
		auth:           opts.Auth,
		validate:       validator.New(),
		log:            opts.Log,
		loanPeriodDays: opts.LoanPeriodDays,
	}

	app.Use(s.requestID())
	app.Use(s.requestLogger())

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.app.Group("/api")

	librarian := api.Group("/librarian")
	librarian.Post("/login", s.handleLibrarianLogin)

	admin := librarian.Group("", s.requireRole(auth.RoleLibrarian))
	admin.Post("/students", s.handleCreateStudent)
	admin.Get("/students", s.handleListStudents)
	admin.Get("/students/search", s.handleSearchStudents)
	admin.Get("/students/:id", s.handleGetStudent)
	admin.Post("/students/:id/activate", s.handleActivateStudent)
	admin.Post("/students/:id/deactivate", s.handleDeactivateStudent)
	admin.Post("/students/:id/verify", s.handleVerifyStudent)
	admin.Delete("/students/:id", s.handleDeleteStudent)

	admin.Post("/books", s.handleCreateBook)
	admin.Get("/books", s.handleListBooks)
	admin.Get("/books/search", s.handleSearchBooks)
	admin.Get("/books/:id", s.handleGetBook)
	admin.Put("/books/:id", s.handleUpdateBook)
	admin.Post("/books/:id/activate", s.handleActivateBook)
	admin.Post("/books/:id/deactivate", s.handleDeactivateBook)
	admin.Delete("/books/:id", s.handleDeleteBook)

	admin.Get("/settings", s.handleGetSettings)
	admin.Put("/settings", s.handleUpdateSettings)

	admin.Post("/issues", s.handleIssueBook)
	admin.Post("/issues/:id/return", s.handleReturnBook)
	admin.Get("/issues/open", s.handleListOpenLoans)
	admin.Get("/issues/:id", s.handleGetLoan)

	admin.Post("/notifications", s.handleBroadcastNotification)
	admin.Get("/notifications", s.handleListNotifications)

	student := api.Group("/student")
	student.Post("/register", s.handleStudentRegister)
	student.Post("/login", s.handleStudentLogin)
	student.Get("/verified/:email", s.handleStudentVerified)

	me := student.Group("", s.requireRole(auth.RoleStudent))
	me.Get("/books", s.handleListBooks)
	me.Get("/books/search", s.handleSearchBooks)
	me.Get("/issues", s.handleMyOpenLoans)
	me.Get("/notifications", s.handleMyNotifications)
	me.Post("/notifications/:id/reply", s.handleReplyNotification)
	me.Put("/profile", s.handleUpdateProfile)
	me.Post("/password", s.handleChangePassword)
}

// Listen starts serving on the given address, blocking until shutdown
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(10 * time.Second)
}

// App exposes the fiber app for tests
func (s *Server) App() *fiber.App {
	return s.app
}
