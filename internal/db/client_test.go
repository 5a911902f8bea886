package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nexaflow/replygate/internal/circuitbreaker"
)

func newTestClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	logger := zap.NewNop()
	wrapped := circuitbreaker.NewDatabaseWrapper(
		sqlx.NewDb(mockDB, "sqlmock"),
		circuitbreaker.DefaultConfig(),
		logger,
	)

	return &Client{
		db:     wrapped,
		logger: logger,
		config: &Config{},
	}, mock
}

func TestInsertMessage(t *testing.T) {
	client, mock := newTestClient(t)
	convID := uuid.New()

	mock.ExpectExec("INSERT INTO messages").
		WithArgs(
			sqlmock.AnyArg(), convID, sqlmock.AnyArg(),
			DirectionOutgoing, "Your order has shipped", StatusSent, sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	msg := &Message{
		ConversationID: convID,
		Direction:      DirectionOutgoing,
		Content:        "Your order has shipped",
		Status:         StatusSent,
	}
	if err := client.InsertMessage(context.Background(), msg); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	if msg.ID == uuid.Nil {
		t.Error("Expected message ID to be assigned")
	}
	if msg.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be assigned")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestInsertMessage_DuplicateExternalID(t *testing.T) {
	client, mock := newTestClient(t)

	mock.ExpectExec("INSERT INTO messages").
		WillReturnError(&pq.Error{Code: "23505"})

	extID := "wamid.duplicate"
	msg := &Message{
		ConversationID:    uuid.New(),
		ExternalMessageID: &extID,
		Direction:         DirectionIncoming,
		Content:           "hello",
	}
	err := client.InsertMessage(context.Background(), msg)
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("Expected ErrDuplicateMessage, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestUpdateMessageStatus_UnknownIDIsNotAnError(t *testing.T) {
	client, mock := newTestClient(t)

	mock.ExpectExec("UPDATE messages").
		WithArgs(StatusDelivered, "wamid.unknown").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := client.UpdateMessageStatus(context.Background(), "wamid.unknown", StatusDelivered); err != nil {
		t.Fatalf("UpdateMessageStatus failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestSaveFeedback_RejectsOutOfRangeRating(t *testing.T) {
	client, _ := newTestClient(t)

	fb := &FeedbackEntry{ConversationID: "conv123", Rating: 6}
	if err := client.SaveFeedback(context.Background(), fb); err == nil {
		t.Fatal("Expected error for rating 6")
	}

	fb.Rating = 0
	if err := client.SaveFeedback(context.Background(), fb); err == nil {
		t.Fatal("Expected error for rating 0")
	}
}

func TestSaveFeedback(t *testing.T) {
	client, mock := newTestClient(t)

	mock.ExpectExec("INSERT INTO feedback").
		WithArgs(sqlmock.AnyArg(), "conv123", 5, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	fb := &FeedbackEntry{ConversationID: "conv123", Rating: 5}
	if err := client.SaveFeedback(context.Background(), fb); err != nil {
		t.Fatalf("SaveFeedback failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestGetOrCreateConversationTx_Existing(t *testing.T) {
	client, mock := newTestClient(t)
	existingID := uuid.New()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, customer_phone, status, created_at, updated_at FROM conversations").
		WithArgs("+919876543210").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "customer_phone", "status", "created_at", "updated_at"},
		).AddRow(existingID, "+919876543210", ConversationActive, now, now))
	mock.ExpectCommit()

	err := client.WithTransaction(context.Background(), func(tx *sqlx.Tx) error {
		conv, err := client.GetOrCreateConversationTx(context.Background(), tx, "+919876543210")
		if err != nil {
			return err
		}
		if conv.ID != existingID {
			t.Errorf("Expected existing conversation %s, got %s", existingID, conv.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
}

func TestGetOrCreateConversationTx_CreatesWhenMissing(t *testing.T) {
	client, mock := newTestClient(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, customer_phone, status, created_at, updated_at FROM conversations").
		WithArgs("+14155550100").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO conversations").
		WithArgs(sqlmock.AnyArg(), "+14155550100", ConversationActive, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := client.WithTransaction(context.Background(), func(tx *sqlx.Tx) error {
		conv, err := client.GetOrCreateConversationTx(context.Background(), tx, "+14155550100")
		if err != nil {
			return err
		}
		if conv.Status != ConversationActive {
			t.Errorf("Expected active status, got %s", conv.Status)
		}
		if conv.CustomerPhone != "+14155550100" {
			t.Errorf("Unexpected phone %s", conv.CustomerPhone)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}
