package db

import (
	"time"

	"gorm.io/gorm"
)

// Student represents a registered borrower. BooksIssued and Penalty are
// denormalized from the book_issues table and must only be mutated inside
// the same transaction as the ledger write they reflect.
type Student struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Email        string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_students_email" json:"email"`
	Name         string    `gorm:"type:varchar(255);not null;index:idx_students_name" json:"name"`
	PasswordHash string    `gorm:"type:varchar(255);not null" json:"-"`
	IsActive     bool      `gorm:"not null;default:true" json:"is_active"`
	IsVerified   bool      `gorm:"not null;default:false" json:"is_verified"`
	BooksIssued  int       `gorm:"not null;default:0" json:"books_issued"`
	Penalty      int64     `gorm:"not null;default:0" json:"penalty"` // Cumulative penalty in cents
	CreatedAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName specifies the table name for Student model
func (Student) TableName() string {
	return "students"
}

// Book represents a title in the catalog. Stock counts the copies currently
// on the shelf; copies out on loan are tracked by open book_issues rows.
type Book struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Title       string    `gorm:"type:varchar(255);not null;index:idx_books_title" json:"title"`
	Author      string    `gorm:"type:varchar(255);not null;index:idx_books_author" json:"author"`
	Publication string    `gorm:"type:varchar(255)" json:"publication,omitempty"`
	PdfURL      string    `gorm:"type:varchar(512)" json:"pdf_url,omitempty"`
	VideoURL    string    `gorm:"type:varchar(512)" json:"video_url,omitempty"`
	Stock       int       `gorm:"not null;default:0" json:"stock"`
	IsActive    bool      `gorm:"not null;default:true;index:idx_books_active" json:"is_active"`
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName specifies the table name for Book model
func (Book) TableName() string {
	return "books"
}

// Librarian is a staff account. Librarians administer students, books,
// settings and the loan lifecycle.
type Librarian struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Email        string `gorm:"type:varchar(255);not null;uniqueIndex:idx_librarians_email" json:"email"`
	PasswordHash string `gorm:"type:varchar(255);not null" json:"-"`
	Name         string `gorm:"type:varchar(255);not null" json:"name"`
}

// TableName specifies the table name for Librarian model
func (Librarian) TableName() string {
	return "librarians"
}

// LibrarySettings is the singleton policy row governing loans. Loan
// operations fail closed when no row exists.
type LibrarySettings struct {
	ID            uint  `gorm:"primaryKey" json:"id"`
	MaxBookLimit  int   `gorm:"not null" json:"max_book_limit"`
	PenaltyPerDay int64 `gorm:"not null" json:"penalty_per_day"` // Cents per late day
}

// TableName specifies the table name for LibrarySettings model
func (LibrarySettings) TableName() string {
	return "library_settings"
}

// BookIssue is one loan of one copy of a book. A null ReturnDate means the
// loan is open; once ReturnDate is set the row is terminal and Penalty is
// fixed forever.
type BookIssue struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	StudentID  uint       `gorm:"not null;index:idx_book_issues_student" json:"student_id"`
	Student    *Student   `gorm:"foreignKey:StudentID" json:"student,omitempty"`
	BookID     uint       `gorm:"not null;index:idx_book_issues_book" json:"book_id"`
	Book       *Book      `gorm:"foreignKey:BookID" json:"book,omitempty"`
	IssueDate  time.Time  `gorm:"not null" json:"issue_date"`
	DueDate    time.Time  `gorm:"not null" json:"due_date"`
	ReturnDate *time.Time `gorm:"index:idx_book_issues_return_date" json:"return_date,omitempty"`
	Penalty    int64      `gorm:"not null;default:0" json:"penalty"` // Cents, computed once at return
}

// TableName specifies the table name for BookIssue model
func (BookIssue) TableName() string {
	return "book_issues"
}

// Open reports whether the loan has not been returned yet.
func (i *BookIssue) Open() bool {
	return i.ReturnDate == nil
}

// Notification is a broadcast message addressed to one student.
type Notification struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	StudentID uint      `gorm:"not null;index:idx_notifications_student" json:"student_id"`
	Student   *Student  `gorm:"foreignKey:StudentID" json:"student,omitempty"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	SentDate  time.Time `gorm:"not null" json:"sent_date"`
	Reply     *string   `gorm:"type:text" json:"reply,omitempty"`
}

// TableName specifies the table name for Notification model
func (Notification) TableName() string {
	return "notifications"
}

// BeforeCreate hook to set timestamps
func (s *Student) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	return nil
}

// BeforeUpdate hook to update timestamp
func (s *Student) BeforeUpdate(tx *gorm.DB) error {
	s.UpdatedAt = time.Now()
	return nil
}

// BeforeCreate hook to set timestamps
func (b *Book) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	return nil
}

// BeforeUpdate hook to update timestamp
func (b *Book) BeforeUpdate(tx *gorm.DB) error {
	b.UpdatedAt = time.Now()
	return nil
}

// BeforeCreate hook to stamp the send time
func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.SentDate.IsZero() {
		n.SentDate = time.Now()
	}
	return nil
}
