package services

import (
	"context"
	"fmt"
	"log"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/models"

	"gorm.io/gorm"
)

// NotificationService sends pipeline emails. Delivery failures are logged,
// never propagated: mail is best-effort.
type NotificationService struct {
	db     *gorm.DB
	send   func(to []string, subject, html string) error
	webURL string
}

func NewNotificationService(db *gorm.DB, webURL string) *NotificationService {
	if db == nil {
		db = config.DB
	}
	return &NotificationService{db: db, send: config.SendMail, webURL: webURL}
}

// SchemaApprovalPending mails the dataset owner that a job halted in
// await-approval with a schema change needing review.
func (s *NotificationService) SchemaApprovalPending(ctx context.Context, job *models.ImportJob) {
	if job == nil {
		return
	}

	var dataset models.Dataset
	if err := s.db.WithContext(ctx).Where("id = ?", job.DatasetID).First(&dataset).Error; err != nil {
		log.Printf("notification: dataset %s lookup failed: %v", job.DatasetID, err)
		return
	}
	if dataset.OwnerEmail == "" {
		return
	}

	subject := fmt.Sprintf("Schema approval required for dataset %q", dataset.Name)
	body := fmt.Sprintf(
		"<p>Import job <code>%s</code> detected a schema change that requires approval.</p>"+
			"<p>Breaking changes: %d, new fields: %d.</p>"+
			"<p><a href=%q>Review the change</a></p>",
		job.ID,
		len(job.SchemaValidation.BreakingChanges),
		len(job.SchemaValidation.NewFields),
		fmt.Sprintf("%s/import-jobs/%s", s.webURL, job.ID),
	)

	if err := s.send([]string{dataset.OwnerEmail}, subject, body); err != nil {
		log.Printf("notification: approval mail for job %s failed: %v", job.ID, err)
	}
}
