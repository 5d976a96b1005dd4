package repo

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/libraryhub/services/library/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrStudentNotFound is returned when a student is not found
	ErrStudentNotFound = errors.New("student not found")

	// ErrStudentAlreadyExists is returned when a student with the same email already exists
	ErrStudentAlreadyExists = errors.New("student already exists")

	// ErrStudentHasOpenLoans is returned when deleting a student that still has open loans
	ErrStudentHasOpenLoans = errors.New("student has open loans")

	// ErrBookNotFound is returned when a book is not found
	ErrBookNotFound = errors.New("book not found")

	// ErrBookHasOpenLoans is returned when deleting a book that is still out on loan
	ErrBookHasOpenLoans = errors.New("book has open loans")

	// ErrLibrarianNotFound is returned when a librarian is not found
	ErrLibrarianNotFound = errors.New("librarian not found")
)

// CatalogRepository handles student and book catalog operations
type CatalogRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewCatalogRepository creates a new catalog repository
func NewCatalogRepository(database *db.DB, logger *zap.Logger) *CatalogRepository {
	return &CatalogRepository{
		db:  database,
		log: logger,
	}
}

// CreateStudent registers a new student. New accounts start active but
// unverified; a librarian verifies them separately.
func (r *CatalogRepository) CreateStudent(ctx context.Context, student *db.Student) error {
	var existing db.Student
	err := r.db.WithContext(ctx).Where("email = ?", student.Email).First(&existing).Error
	if err == nil {
		return ErrStudentAlreadyExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		r.log.Error("Failed to check student existence", zap.String("email", student.Email), zap.Error(err))
		return err
	}

	if err := r.db.WithContext(ctx).Create(student).Error; err != nil {
		// A concurrent registration can slip past the existence check;
		// the unique index still catches it
		if isDuplicateKey(err) {
			return ErrStudentAlreadyExists
		}
		r.log.Error("Failed to create student", zap.String("email", student.Email), zap.Error(err))
		return err
	}

	r.log.Info("Student created", zap.Uint("student_id", student.ID), zap.String("email", student.Email))
	return nil
}

// isDuplicateKey reports whether err is a unique-constraint violation from
// either backing driver
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23505 unique_violation
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetStudent retrieves a student by ID
func (r *CatalogRepository) GetStudent(ctx context.Context, id uint) (*db.Student, error) {
	var student db.Student
	err := r.db.WithContext(ctx).First(&student, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStudentNotFound
		}
		r.log.Error("Failed to get student", zap.Uint("student_id", id), zap.Error(err))
		return nil, err
	}

	return &student, nil
}

// GetStudentByEmail retrieves a student by email
func (r *CatalogRepository) GetStudentByEmail(ctx context.Context, email string) (*db.Student, error) {
	var student db.Student
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&student).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStudentNotFound
		}
		r.log.Error("Failed to get student", zap.String("email", email), zap.Error(err))
		return nil, err
	}

	return &student, nil
}

// ListStudents returns all students, newest first
func (r *CatalogRepository) ListStudents(ctx context.Context) ([]*db.Student, error) {
	var students []*db.Student
	if err := r.db.WithContext(ctx).Order("id DESC").Find(&students).Error; err != nil {
		r.log.Error("Failed to list students", zap.Error(err))
		return nil, err
	}
	return students, nil
}

// SearchStudents finds students whose name or email contains the query
func (r *CatalogRepository) SearchStudents(ctx context.Context, query string) ([]*db.Student, error) {
	pattern := "%" + query + "%"
	var students []*db.Student
	err := r.db.WithContext(ctx).
		Where("lower(name) LIKE lower(?) OR lower(email) LIKE lower(?)", pattern, pattern).
		Find(&students).Error
	if err != nil {
		r.log.Error("Failed to search students", zap.Error(err))
		return nil, err
	}
	return students, nil
}

// SetStudentActive flips the librarian-controlled activity gate
func (r *CatalogRepository) SetStudentActive(ctx context.Context, id uint, active bool) (*db.Student, error) {
	return r.updateStudentFlag(ctx, id, "is_active", active)
}

// VerifyStudent marks a student account as verified
func (r *CatalogRepository) VerifyStudent(ctx context.Context, id uint) (*db.Student, error) {
	return r.updateStudentFlag(ctx, id, "is_verified", true)
}

func (r *CatalogRepository) updateStudentFlag(ctx context.Context, id uint, column string, value bool) (*db.Student, error) {
	result := r.db.WithContext(ctx).Model(&db.Student{}).Where("id = ?", id).Update(column, value)
	if result.Error != nil {
		r.log.Error("Failed to update student", zap.Uint("student_id", id), zap.Error(result.Error))
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrStudentNotFound
	}

	r.log.Info("Student updated", zap.Uint("student_id", id), zap.String("field", column), zap.Bool("value", value))
	return r.GetStudent(ctx, id)
}

// UpdateStudentPassword replaces a student's password hash
func (r *CatalogRepository) UpdateStudentPassword(ctx context.Context, id uint, passwordHash string) error {
	result := r.db.WithContext(ctx).Model(&db.Student{}).
		Where("id = ?", id).
		Update("password_hash", passwordHash)
	if result.Error != nil {
		r.log.Error("Failed to update student password", zap.Uint("student_id", id), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStudentNotFound
	}

	r.log.Info("Student password updated", zap.Uint("student_id", id))
	return nil
}

// UpdateStudentProfile updates the student-editable profile fields. Email is
// the login identity and stays librarian-controlled.
func (r *CatalogRepository) UpdateStudentProfile(ctx context.Context, id uint, name string) (*db.Student, error) {
	result := r.db.WithContext(ctx).Model(&db.Student{}).
		Where("id = ?", id).
		Update("name", name)
	if result.Error != nil {
		r.log.Error("Failed to update student profile", zap.Uint("student_id", id), zap.Error(result.Error))
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrStudentNotFound
	}

	r.log.Info("Student profile updated", zap.Uint("student_id", id))
	return r.GetStudent(ctx, id)
}

// DeleteStudent removes a student. The delete is refused while the student
// still has open loans; the ledger check and the delete run in one
// transaction so a concurrent issue cannot slip between them.
func (r *CatalogRepository) DeleteStudent(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&db.BookIssue{}).
			Where("student_id = ? AND return_date IS NULL", id).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return ErrStudentHasOpenLoans
		}

		result := tx.Delete(&db.Student{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStudentNotFound
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrStudentNotFound) && !errors.Is(err, ErrStudentHasOpenLoans) {
			r.log.Error("Failed to delete student", zap.Uint("student_id", id), zap.Error(err))
		}
		return err
	}

	r.log.Info("Student deleted", zap.Uint("student_id", id))
	return nil
}

// CreateBook adds a new book to the catalog
func (r *CatalogRepository) CreateBook(ctx context.Context, book *db.Book) error {
	if err := r.db.WithContext(ctx).Create(book).Error; err != nil {
		r.log.Error("Failed to create book", zap.String("title", book.Title), zap.Error(err))
		return err
	}

	r.log.Info("Book created", zap.Uint("book_id", book.ID), zap.String("title", book.Title))
	return nil
}

// GetBook retrieves a book by ID
func (r *CatalogRepository) GetBook(ctx context.Context, id uint) (*db.Book, error) {
	var book db.Book
	err := r.db.WithContext(ctx).First(&book, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookNotFound
		}
		r.log.Error("Failed to get book", zap.Uint("book_id", id), zap.Error(err))
		return nil, err
	}

	return &book, nil
}

// ListBooks returns all books in the catalog
func (r *CatalogRepository) ListBooks(ctx context.Context) ([]*db.Book, error) {
	var books []*db.Book
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&books).Error; err != nil {
		r.log.Error("Failed to list books", zap.Error(err))
		return nil, err
	}
	return books, nil
}

// SearchBooks finds books whose title, author or publication contains the
// query. An empty query returns the whole catalog.
func (r *CatalogRepository) SearchBooks(ctx context.Context, query string) ([]*db.Book, error) {
	q := r.db.WithContext(ctx).Model(&db.Book{})
	if query != "" {
		pattern := "%" + query + "%"
		q = q.Where(
			"lower(title) LIKE lower(?) OR lower(author) LIKE lower(?) OR lower(publication) LIKE lower(?)",
			pattern, pattern, pattern,
		)
	}

	var books []*db.Book
	if err := q.Find(&books).Error; err != nil {
		r.log.Error("Failed to search books", zap.Error(err))
		return nil, err
	}
	return books, nil
}

// UpdateBook replaces the mutable fields of a book
func (r *CatalogRepository) UpdateBook(ctx context.Context, book *db.Book) (*db.Book, error) {
	updates := map[string]interface{}{
		"title":       book.Title,
		"author":      book.Author,
		"publication": book.Publication,
		"stock":       book.Stock,
		"is_active":   book.IsActive,
	}
	if book.PdfURL != "" {
		updates["pdf_url"] = book.PdfURL
	}
	if book.VideoURL != "" {
		updates["video_url"] = book.VideoURL
	}

	result := r.db.WithContext(ctx).Model(&db.Book{}).Where("id = ?", book.ID).Updates(updates)
	if result.Error != nil {
		r.log.Error("Failed to update book", zap.Uint("book_id", book.ID), zap.Error(result.Error))
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrBookNotFound
	}

	r.log.Info("Book updated", zap.Uint("book_id", book.ID))
	return r.GetBook(ctx, book.ID)
}

// SetBookActive flips the librarian-controlled visibility gate
func (r *CatalogRepository) SetBookActive(ctx context.Context, id uint, active bool) (*db.Book, error) {
	result := r.db.WithContext(ctx).Model(&db.Book{}).Where("id = ?", id).Update("is_active", active)
	if result.Error != nil {
		r.log.Error("Failed to update book", zap.Uint("book_id", id), zap.Error(result.Error))
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrBookNotFound
	}

	r.log.Info("Book updated", zap.Uint("book_id", id), zap.Bool("is_active", active))
	return r.GetBook(ctx, id)
}

// DeleteBook removes a book. Refused while any copy is out on loan, with
// the ledger check and the delete under one transaction.
func (r *CatalogRepository) DeleteBook(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&db.BookIssue{}).
			Where("book_id = ? AND return_date IS NULL", id).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return ErrBookHasOpenLoans
		}

		result := tx.Delete(&db.Book{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrBookNotFound
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrBookNotFound) && !errors.Is(err, ErrBookHasOpenLoans) {
			r.log.Error("Failed to delete book", zap.Uint("book_id", id), zap.Error(err))
		}
		return err
	}

	r.log.Info("Book deleted", zap.Uint("book_id", id))
	return nil
}

// GetLibrarianByEmail retrieves a librarian account for authentication
func (r *CatalogRepository) GetLibrarianByEmail(ctx context.Context, email string) (*db.Librarian, error) {
	var librarian db.Librarian
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&librarian).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLibrarianNotFound
		}
		r.log.Error("Failed to get librarian", zap.String("email", email), zap.Error(err))
		return nil, err
	}

	return &librarian, nil
}
