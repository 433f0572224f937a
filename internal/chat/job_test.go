package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/suPer8Hu/widget-chat/internal/widget"
)

func TestQueueMessage_IdempotentAndProcessed(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	pub := &recordingPublisher{}
	svc := NewService(repo, registryWith(&recordingProvider{}), 20, WithPublisher(pub))
	ctx := context.Background()

	sess, _, err := svc.CreateWidgetSession(ctx, &widget.Widget{ID: "w-9", AIProvider: "fake"}, SessionMeta{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	key := "retry-1"
	job, created, err := svc.QueueMessage(ctx, sess, "queued hello", &key)
	if err != nil || !created {
		t.Fatalf("queue: created=%v err=%v", created, err)
	}
	again, created, err := svc.QueueMessage(ctx, sess, "queued hello", &key)
	if err != nil {
		t.Fatalf("queue retry: %v", err)
	}
	if created || again.ID != job.ID {
		t.Fatalf("retry should return the original job: created=%v id=%s want %s", created, again.ID, job.ID)
	}

	if err := svc.ProcessJob(ctx, job.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	// a redelivered job is skipped
	if err := svc.ProcessJob(ctx, job.ID); err != nil {
		t.Fatalf("reprocess: %v", err)
	}

	got, err := svc.GetJob(ctx, sess.ID, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != JobSucceeded || got.ResultMessageID == nil {
		t.Fatalf("unexpected job state: %+v", got)
	}

	msgs, err := svc.ListPublicMessages(ctx, sess.ID, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected one user and one assistant message, got %d", len(msgs))
	}

	// one user broadcast (the retry does not re-broadcast) and one assistant broadcast
	if n := len(pub.types()); n != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", n)
	}
}

func TestGetJob_HiddenAcrossSessions(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	svc := NewService(repo, registryWith(&recordingProvider{}), 20)
	ctx := context.Background()

	a, _, _ := svc.CreateWidgetSession(ctx, &widget.Widget{ID: "w-a", AIProvider: "fake"}, SessionMeta{})
	b, _, _ := svc.CreateWidgetSession(ctx, &widget.Widget{ID: "w-b", AIProvider: "fake"}, SessionMeta{})

	job, _, err := svc.QueueMessage(ctx, a, "hi", nil)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if _, err := svc.GetJob(ctx, b.ID, job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
