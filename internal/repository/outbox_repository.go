package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rectory-school/enrichment-api/internal/models"
)

// OutboxRepository writes fully materialized messages for the stored-mail
// collaborator. The engine never sends mail itself.
type OutboxRepository struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs the repository.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create persists a message and its recipient rows in one transaction scope.
// The caller supplies the transaction so a report run commits atomically
// with its schedule's last_sent stamp.
func (r *OutboxRepository) Create(ctx context.Context, tx *sqlx.Tx, message *models.OutgoingMessage, addresses []models.MessageAddress) error {
	if message.UniqueID == "" {
		message.UniqueID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	const query = `INSERT INTO outgoing_messages (unique_id, from_name, from_address, subject, text, html, discard_after, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id`
	if err := tx.GetContext(ctx, &message.ID, query,
		message.UniqueID, message.FromName, message.FromAddress,
		message.Subject, message.Text, message.HTML,
		message.DiscardAfter, message.CreatedAt,
	); err != nil {
		return fmt.Errorf("create outgoing message: %w", err)
	}

	const addrQuery = `INSERT INTO outgoing_message_addresses (message_id, name, address, field) VALUES ($1, $2, $3, $4)`
	for i := range addresses {
		addresses[i].MessageID = message.ID
		if _, err := tx.ExecContext(ctx, addrQuery, message.ID, addresses[i].Name, addresses[i].Address, addresses[i].Field); err != nil {
			return fmt.Errorf("create message address: %w", err)
		}
	}
	return nil
}
