package loans

import (
	"context"
	"errors"
	"time"

	"github.com/libraryhub/services/library/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Ledger is the persistent record of loan state. Each row moves through
// exactly one transition: Open (return_date IS NULL) to Returned. Rows are
// written only by the Service; reads are free for anyone.
type Ledger struct {
	db  *db.DB
	log *zap.Logger
}

// NewLedger creates a new loan ledger
func NewLedger(database *db.DB, logger *zap.Logger) *Ledger {
	return &Ledger{
		db:  database,
		log: logger,
	}
}

// create appends a new open loan inside the caller's transaction
func (l *Ledger) create(tx *gorm.DB, issue *db.BookIssue) error {
	issue.ReturnDate = nil
	issue.Penalty = 0
	return tx.Create(issue).Error
}

// find loads a loan by ID inside the caller's transaction
func (l *Ledger) find(tx *gorm.DB, issueID uint) (*db.BookIssue, error) {
	var issue db.BookIssue
	err := tx.First(&issue, issueID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	return &issue, nil
}

// markReturned moves an open loan to its terminal state. The return_date
// IS NULL guard makes a second return fail with ErrLoanAlreadyReturned
// instead of reapplying counter mutations.
func (l *Ledger) markReturned(tx *gorm.DB, issueID uint, returnDate time.Time, penalty int64) error {
	result := tx.Model(&db.BookIssue{}).
		Where("id = ? AND return_date IS NULL", issueID).
		Updates(map[string]interface{}{
			"return_date": returnDate,
			"penalty":     penalty,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLoanAlreadyReturned
	}
	return nil
}

// Get retrieves a loan by ID with its student and book
func (l *Ledger) Get(ctx context.Context, issueID uint) (*db.BookIssue, error) {
	var issue db.BookIssue
	err := l.db.WithContext(ctx).Preload("Student").Preload("Book").First(&issue, issueID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLoanNotFound
		}
		l.log.Error("Failed to get loan", zap.Uint("issue_id", issueID), zap.Error(err))
		return nil, err
	}
	return &issue, nil
}

// ListOpen returns open loans, optionally restricted to one student
func (l *Ledger) ListOpen(ctx context.Context, studentID *uint) ([]*db.BookIssue, error) {
	query := l.db.WithContext(ctx).
		Preload("Student").
		Preload("Book").
		Where("return_date IS NULL")
	if studentID != nil {
		query = query.Where("student_id = ?", *studentID)
	}

	var issues []*db.BookIssue
	if err := query.Order("due_date").Find(&issues).Error; err != nil {
		l.log.Error("Failed to list open loans", zap.Error(err))
		return nil, err
	}
	return issues, nil
}

// CountOpen returns the number of open loans for a student
func (l *Ledger) CountOpen(ctx context.Context, studentID uint) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&db.BookIssue{}).
		Where("student_id = ? AND return_date IS NULL", studentID).
		Count(&count).Error
	if err != nil {
		l.log.Error("Failed to count open loans", zap.Uint("student_id", studentID), zap.Error(err))
		return 0, err
	}
	return count, nil
}
