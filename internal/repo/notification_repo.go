package repo

import (
	"context"
	"errors"
	"time"

	"github.com/libraryhub/services/library/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNoRecipients is returned when a broadcast finds no students to notify
	ErrNoRecipients = errors.New("no students to notify")

	// ErrNotificationNotFound is returned when a notification does not exist
	// or is not addressed to the acting student
	ErrNotificationNotFound = errors.New("notification not found")
)

// NotificationRepository handles broadcast notifications. A broadcast
// replaces all previous notifications with one fresh row per student.
type NotificationRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(database *db.DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:  database,
		log: logger,
	}
}

// Broadcast replaces all existing notifications with the given message,
// one per student.
func (r *NotificationRepository) Broadcast(ctx context.Context, message string) ([]*db.Notification, error) {
	var notifications []*db.Notification

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var students []*db.Student
		if err := tx.Find(&students).Error; err != nil {
			return err
		}
		if len(students) == 0 {
			return ErrNoRecipients
		}

		if err := tx.Where("1 = 1").Delete(&db.Notification{}).Error; err != nil {
			return err
		}

		now := time.Now()
		notifications = make([]*db.Notification, 0, len(students))
		for _, student := range students {
			notifications = append(notifications, &db.Notification{
				StudentID: student.ID,
				Message:   message,
				SentDate:  now,
			})
		}
		return tx.Create(&notifications).Error
	})
	if err != nil {
		if !errors.Is(err, ErrNoRecipients) {
			r.log.Error("Failed to broadcast notification", zap.Error(err))
		}
		return nil, err
	}

	r.log.Info("Notification broadcast", zap.Int("recipients", len(notifications)))
	return notifications, nil
}

// List returns all notifications with their recipients
func (r *NotificationRepository) List(ctx context.Context) ([]*db.Notification, error) {
	var notifications []*db.Notification
	if err := r.db.WithContext(ctx).Preload("Student").Find(&notifications).Error; err != nil {
		r.log.Error("Failed to list notifications", zap.Error(err))
		return nil, err
	}
	return notifications, nil
}

// Reply records a student's reply on their own notification. The student_id
// predicate keeps students from replying to someone else's row.
func (r *NotificationRepository) Reply(ctx context.Context, notificationID, studentID uint, reply string) (*db.Notification, error) {
	result := r.db.WithContext(ctx).Model(&db.Notification{}).
		Where("id = ? AND student_id = ?", notificationID, studentID).
		Update("reply", reply)
	if result.Error != nil {
		r.log.Error("Failed to reply to notification",
			zap.Uint("notification_id", notificationID),
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotificationNotFound
	}

	var notification db.Notification
	if err := r.db.WithContext(ctx).First(&notification, notificationID).Error; err != nil {
		return nil, err
	}

	r.log.Info("Notification replied",
		zap.Uint("notification_id", notificationID),
		zap.Uint("student_id", studentID),
	)
	return &notification, nil
}

// ListForStudent returns notifications addressed to one student
func (r *NotificationRepository) ListForStudent(ctx context.Context, studentID uint) ([]*db.Notification, error) {
	var notifications []*db.Notification
	err := r.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("sent_date DESC").
		Find(&notifications).Error
	if err != nil {
		r.log.Error("Failed to list notifications", zap.Uint("student_id", studentID), zap.Error(err))
		return nil, err
	}
	return notifications, nil
}
