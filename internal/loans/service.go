package loans

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/libraryhub/services/library/internal/db"
	"github.com/libraryhub/services/library/internal/metrics"
	"github.com/libraryhub/services/library/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxTxRetries bounds the internal retry loop on serialization conflicts
const maxTxRetries = 3

// Service orchestrates the loan lifecycle. It is the only writer of ledger
// rows and of the denormalized Student.BooksIssued / Book.Stock counters;
// every mutation of a counter happens in the same transaction as the ledger
// write it reflects.
type Service struct {
	db       *db.DB
	ledger   *Ledger
	settings *repo.SettingsRepository
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewService creates a new loan service
func NewService(database *db.DB, ledger *Ledger, settings *repo.SettingsRepository, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		db:       database,
		ledger:   ledger,
		settings: settings,
		metrics:  m,
		log:      logger,
	}
}

// Issue lends one copy of a book to a student. Preconditions are checked in
// order, first failure wins, and the three mutations (stock decrement,
// open-loan counter increment, ledger append) commit or roll back as one
// unit.
//
// The counter mutations are guarded conditional updates: the row predicate
// re-checks the limit at write time, so two concurrent issues against the
// last copy of a book cannot both succeed.
func (s *Service) Issue(ctx context.Context, studentID, bookID uint, issueDate, dueDate time.Time) (*db.BookIssue, error) {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrSettingsNotFound) {
			return nil, ErrInvalidReference
		}
		return nil, err
	}

	var issue *db.BookIssue
	err = s.inTx(ctx, func(tx *gorm.DB) error {
		var student db.Student
		if err := tx.First(&student, studentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidReference
			}
			return err
		}
		var book db.Book
		if err := tx.First(&book, bookID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidReference
			}
			return err
		}

		if !dueDate.After(issueDate) {
			return ErrInvalidDateRange
		}
		if !student.IsActive || !student.IsVerified {
			return ErrStudentNotEligible
		}

		result := tx.Model(&db.Student{}).
			Where("id = ? AND books_issued < ?", studentID, settings.MaxBookLimit).
			UpdateColumns(map[string]interface{}{
				"books_issued": gorm.Expr("books_issued + 1"),
				"updated_at":   time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrLoanLimitExceeded
		}

		result = tx.Model(&db.Book{}).
			Where("id = ? AND stock > 0", bookID).
			UpdateColumns(map[string]interface{}{
				"stock":      gorm.Expr("stock - 1"),
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrOutOfStock
		}

		issue = &db.BookIssue{
			StudentID: studentID,
			BookID:    bookID,
			IssueDate: issueDate,
			DueDate:   dueDate,
		}
		return s.ledger.create(tx, issue)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.LoansIssued.Inc()
	s.metrics.OpenLoans.Inc()
	s.log.Info("Loan issued",
		zap.Uint("issue_id", issue.ID),
		zap.Uint("student_id", studentID),
		zap.Uint("book_id", bookID),
		zap.Time("due_date", dueDate),
	)
	return issue, nil
}

// Return closes a loan and charges the late penalty. The five effects
// (return date, fixed penalty, stock increment, counter decrement, student
// penalty balance) commit as one transaction; a second return of the same
// loan fails with ErrLoanAlreadyReturned and mutates nothing.
func (s *Service) Return(ctx context.Context, issueID uint, returnDate time.Time) (int64, error) {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrSettingsNotFound) {
			return 0, ErrSettingsUnavailable
		}
		return 0, err
	}

	var penalty int64
	err = s.inTx(ctx, func(tx *gorm.DB) error {
		issue, err := s.ledger.find(tx, issueID)
		if err != nil {
			return err
		}

		penalty = int64(lateDays(issue.DueDate, returnDate)) * settings.PenaltyPerDay

		if err := s.ledger.markReturned(tx, issueID, returnDate, penalty); err != nil {
			return err
		}

		result := tx.Model(&db.Book{}).
			Where("id = ?", issue.BookID).
			UpdateColumns(map[string]interface{}{
				"stock":      gorm.Expr("stock + 1"),
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}

		result = tx.Model(&db.Student{}).
			Where("id = ?", issue.StudentID).
			UpdateColumns(map[string]interface{}{
				"books_issued": gorm.Expr("books_issued - 1"),
				"penalty":      gorm.Expr("penalty + ?", penalty),
				"updated_at":   time.Now(),
			})
		return result.Error
	})
	if err != nil {
		return 0, err
	}

	s.metrics.LoansReturned.Inc()
	s.metrics.OpenLoans.Dec()
	if penalty > 0 {
		s.metrics.PenaltyCharged.Add(float64(penalty))
	}
	s.log.Info("Loan returned",
		zap.Uint("issue_id", issueID),
		zap.Int64("penalty", penalty),
	)
	return penalty, nil
}

// Get returns one loan with its student and book. Read-only.
func (s *Service) Get(ctx context.Context, issueID uint) (*db.BookIssue, error) {
	return s.ledger.Get(ctx, issueID)
}

// ListOpen returns open loans, optionally for one student. Read-only.
func (s *Service) ListOpen(ctx context.Context, studentID *uint) ([]*db.BookIssue, error) {
	return s.ledger.ListOpen(ctx, studentID)
}

// CountOpen returns the number of open loans for a student. Read-only.
func (s *Service) CountOpen(ctx context.Context, studentID uint) (int64, error) {
	return s.ledger.CountOpen(ctx, studentID)
}

// Drift is one student whose denormalized open-loan counter disagrees with
// the ledger.
type Drift struct {
	StudentID   uint
	BooksIssued int
	OpenLoans   int64
}

// Reconcile cross-checks every student's books_issued counter against the
// count of their open ledger rows. An empty result means the denormalization
// invariant holds.
func (s *Service) Reconcile(ctx context.Context) ([]Drift, error) {
	var drifts []Drift
	err := s.db.WithContext(ctx).Raw(`
		SELECT s.id AS student_id, s.books_issued, COUNT(i.id) AS open_loans
		FROM students s
		LEFT JOIN book_issues i ON i.student_id = s.id AND i.return_date IS NULL
		GROUP BY s.id, s.books_issued
		HAVING s.books_issued <> COUNT(i.id)`).
		Scan(&drifts).Error
	if err != nil {
		s.log.Error("Failed to reconcile loan counters", zap.Error(err))
		return nil, err
	}

	for _, d := range drifts {
		s.log.Warn("Loan counter drift",
			zap.Uint("student_id", d.StudentID),
			zap.Int("books_issued", d.BooksIssued),
			zap.Int64("open_loans", d.OpenLoans),
		)
	}
	return drifts, nil
}

// lateDays counts whole calendar days elapsed past the due date. Fractions
// of a day are not charged.
func lateDays(due, returned time.Time) int {
	d := truncateToDay(due)
	r := truncateToDay(returned)
	days := int(r.Sub(d) / (24 * time.Hour))
	if days < 0 {
		return 0
	}
	return days
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// inTx runs fn in a transaction, retrying a bounded number of times on
// serialization conflicts before surfacing ErrConcurrentModification.
func (s *Service) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if err == nil || !isSerializationConflict(err) {
			return err
		}

		s.metrics.TxConflicts.Inc()
		s.log.Warn("Loan transaction conflict, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
}

// isSerializationConflict reports whether the transaction failed only
// because of concurrent access and can be retried as-is.
func isSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	// SQLite signals writer contention through SQLITE_BUSY
	return strings.Contains(err.Error(), "database is locked")
}
