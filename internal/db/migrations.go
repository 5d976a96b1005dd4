package db

import (
	"gorm.io/gorm"
)

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	if err := db.AutoMigrate(
		&Student{},
		&Book{},
		&Librarian{},
		&LibrarySettings{},
		&BookIssue{},
		&Notification{},
	); err != nil {
		return err
	}

	if err := createIndexes(db.DB); err != nil {
		return err
	}

	return nil
}

func createIndexes(db *gorm.DB) error {
	indexes := []string{
		// Open-loan lookups filter on return_date IS NULL constantly
		`CREATE INDEX IF NOT EXISTS idx_book_issues_open_student ON book_issues(student_id) WHERE return_date IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_book_issues_open_book ON book_issues(book_id) WHERE return_date IS NULL`,

		// Full-text search over the catalog
		`CREATE INDEX IF NOT EXISTS idx_books_title_search ON books USING gin(to_tsvector('english', title))`,
		`CREATE INDEX IF NOT EXISTS idx_books_author_search ON books USING gin(to_tsvector('english', author))`,
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return err
		}
	}

	return nil
}
