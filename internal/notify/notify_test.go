/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeProducer struct {
	pushErr error
	headers map[string]interface{}
	body    []byte
}

func (p *fakeProducer) Push(ctx context.Context, headers map[string]interface{}, msg []byte) error {
	if p.pushErr != nil {
		return p.pushErr
	}
	p.headers = headers
	p.body = msg
	return nil
}

func TestQueueNotify(t *testing.T) {
	t.Run("shouldPublishNotification", func(t *testing.T) {
		producer := &fakeProducer{}
		q := NewQueue(producer)

		n := Notification{
			Recipients: []string{"ms"},
			Subject:    "bash 5.2-1 failed on x86_64",
			Template:   "job-failed",
			Context:    map[string]any{"pkg": "bash"},
		}
		err := q.Notify(context.Background(), n)
		assert.NoError(t, err)

		assert.Equal(t, "job-failed", producer.headers["template"])

		var sent Notification
		assert.NoError(t, json.Unmarshal(producer.body, &sent))
		assert.Equal(t, n.Recipients, sent.Recipients)
		assert.Equal(t, n.Subject, sent.Subject)
		assert.Equal(t, "bash", sent.Context["pkg"])
	})

	t.Run("shouldWrapPublishError", func(t *testing.T) {
		producer := &fakeProducer{pushErr: errors.New("broker gone")}
		q := NewQueue(producer)

		err := q.Notify(context.Background(), Notification{Template: "x"})
		assert.ErrorContains(t, err, "failed to publish notification")
	})
}

func TestDiscard(t *testing.T) {
	err := Discard{}.Notify(context.Background(), Notification{Template: "x"})
	assert.NoError(t, err)
}
