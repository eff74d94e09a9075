package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/minitmoney/transfer-service/pkg/events"
	"github.com/minitmoney/transfer-service/pkg/events/mocks"
	"github.com/minitmoney/transfer-service/pkg/models"
)

func TestPublishTransferCompleted(t *testing.T) {
	tx := &models.Transaction{
		ID:         "tx-1",
		SenderID:   "acct-a",
		ReceiverID: "acct-b",
		Amount:     100,
		Currency:   "USD",
		Status:     models.COMPLETED,
		CreatedAt:  time.Now().UTC(),
	}

	t.Run("Success", func(t *testing.T) {
		client := new(mocks.SQSAPI)
		client.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
			if *in.QueueUrl != "https://sqs.test/queue" {
				return false
			}
			var sent models.Transaction
			if err := json.Unmarshal([]byte(*in.MessageBody), &sent); err != nil {
				return false
			}
			return sent.ID == tx.ID && sent.Status == models.COMPLETED
		})).Return(&sqs.SendMessageOutput{}, nil)

		p := events.NewSQSPublisher(client, "https://sqs.test/queue")
		require.NoError(t, p.PublishTransferCompleted(context.Background(), tx))
		client.AssertExpectations(t)
	})

	t.Run("SendFailure", func(t *testing.T) {
		client := new(mocks.SQSAPI)
		client.On("SendMessage", mock.Anything, mock.Anything).
			Return(nil, errors.New("queue unreachable"))

		p := events.NewSQSPublisher(client, "https://sqs.test/queue")
		err := p.PublishTransferCompleted(context.Background(), tx)
		assert.Error(t, err)
	})
}
