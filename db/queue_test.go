package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mammutfed/mammut/domain"
)

func testTask(activityURI, inboxURI string) *domain.DeliveryTask {
	now := time.Now()
	return &domain.DeliveryTask{
		Id:            uuid.New(),
		ActivityURI:   activityURI,
		InboxURI:      inboxURI,
		ActivityJSON:  `{"type":"Create"}`,
		Status:        domain.DeliveryPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
}

func TestEnqueueDeliveryTaskIdempotent(t *testing.T) {
	database := setupTestDB(t)

	task := testTask("https://local.example/activities/1", "https://remote.example/inbox")
	if err := database.EnqueueDeliveryTask(task); err != nil {
		t.Fatalf("Failed to enqueue task: %v", err)
	}

	// Same (activity, inbox) pair again: silently absorbed.
	dup := testTask("https://local.example/activities/1", "https://remote.example/inbox")
	if err := database.EnqueueDeliveryTask(dup); err != nil {
		t.Fatalf("Expected duplicate enqueue to be a no-op, got: %v", err)
	}

	err, count := database.CountTasksByStatus(domain.DeliveryPending)
	if err != nil {
		t.Fatalf("Failed to count tasks: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 pending task, got %d", count)
	}
}

func TestClaimDeliveryTasks(t *testing.T) {
	database := setupTestDB(t)

	database.EnqueueDeliveryTask(testTask("https://local.example/activities/1", "https://a.example/inbox"))
	database.EnqueueDeliveryTask(testTask("https://local.example/activities/1", "https://b.example/inbox"))

	err, claimed := database.ClaimDeliveryTasks(10)
	if err != nil {
		t.Fatalf("Failed to claim tasks: %v", err)
	}
	if len(*claimed) != 2 {
		t.Fatalf("Expected 2 claimed tasks, got %d", len(*claimed))
	}
	for _, task := range *claimed {
		if task.Status != domain.DeliveryInFlight {
			t.Errorf("Expected claimed task in_flight, got %s", task.Status)
		}
		if task.ClaimedAt == nil {
			t.Error("Expected claimed_at to be set")
		}
	}

	// A second claim sees nothing: the rows are in_flight now.
	err, again := database.ClaimDeliveryTasks(10)
	if err != nil {
		t.Fatalf("Failed to claim tasks: %v", err)
	}
	if len(*again) != 0 {
		t.Errorf("Expected second claim to find nothing, got %d tasks", len(*again))
	}
}

func TestClaimSkipsFutureTasks(t *testing.T) {
	database := setupTestDB(t)

	task := testTask("https://local.example/activities/1", "https://a.example/inbox")
	task.NextAttemptAt = time.Now().Add(time.Hour)
	database.EnqueueDeliveryTask(task)

	err, claimed := database.ClaimDeliveryTasks(10)
	if err != nil {
		t.Fatalf("Failed to claim tasks: %v", err)
	}
	if len(*claimed) != 0 {
		t.Errorf("Expected no claimable tasks before next_attempt_at, got %d", len(*claimed))
	}
}

func TestReclaimStuckTasks(t *testing.T) {
	database := setupTestDB(t)

	database.EnqueueDeliveryTask(testTask("https://local.example/activities/1", "https://a.example/inbox"))
	err, claimed := database.ClaimDeliveryTasks(10)
	if err != nil || len(*claimed) != 1 {
		t.Fatalf("Failed to claim task: %v", err)
	}

	// A deadline in the past reclaims nothing.
	if err := database.ReclaimStuckTasks(time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("Failed to reclaim: %v", err)
	}
	err, pending := database.CountTasksByStatus(domain.DeliveryPending)
	if err != nil || pending != 0 {
		t.Errorf("Expected task to stay in_flight, pending=%d err=%v", pending, err)
	}

	// A deadline in the future catches the stuck claim.
	if err := database.ReclaimStuckTasks(time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Failed to reclaim: %v", err)
	}
	err, pending = database.CountTasksByStatus(domain.DeliveryPending)
	if err != nil || pending != 1 {
		t.Errorf("Expected task reclaimed to pending, pending=%d err=%v", pending, err)
	}
}

func TestTaskOutcomes(t *testing.T) {
	database := setupTestDB(t)

	database.EnqueueDeliveryTask(testTask("https://local.example/activities/1", "https://a.example/inbox"))
	database.EnqueueDeliveryTask(testTask("https://local.example/activities/2", "https://a.example/inbox"))
	database.EnqueueDeliveryTask(testTask("https://local.example/activities/3", "https://a.example/inbox"))
	err, claimed := database.ClaimDeliveryTasks(10)
	if err != nil || len(*claimed) != 3 {
		t.Fatalf("Failed to claim tasks: %v", err)
	}

	database.MarkTaskDelivered((*claimed)[0].Id, 202)
	database.MarkTaskDead((*claimed)[1].Id, 403, "remote returned 403")
	database.MarkTaskRetry((*claimed)[2].Id, 1, time.Now().Add(2*time.Second), 500, "remote returned 500")

	for _, tc := range []struct {
		status string
		want   int
	}{
		{domain.DeliveryDelivered, 1},
		{domain.DeliveryDead, 1},
		{domain.DeliveryPending, 1},
		{domain.DeliveryInFlight, 0},
	} {
		err, count := database.CountTasksByStatus(tc.status)
		if err != nil {
			t.Fatalf("Failed to count %s tasks: %v", tc.status, err)
		}
		if count != tc.want {
			t.Errorf("Expected %d %s tasks, got %d", tc.want, tc.status, count)
		}
	}
}

func TestResubmitDeadTask(t *testing.T) {
	database := setupTestDB(t)

	database.EnqueueDeliveryTask(testTask("https://local.example/activities/1", "https://a.example/inbox"))
	err, claimed := database.ClaimDeliveryTasks(10)
	if err != nil || len(*claimed) != 1 {
		t.Fatalf("Failed to claim task: %v", err)
	}
	id := (*claimed)[0].Id
	database.MarkTaskDead(id, 410, "remote returned 410")

	err, dead := database.ReadDeadTasks(10)
	if err != nil {
		t.Fatalf("Failed to read dead tasks: %v", err)
	}
	if len(*dead) != 1 {
		t.Fatalf("Expected 1 dead task, got %d", len(*dead))
	}
	if (*dead)[0].LastError != "remote returned 410" {
		t.Errorf("Unexpected last error: %q", (*dead)[0].LastError)
	}

	if err := database.ResubmitDeadTask(id); err != nil {
		t.Fatalf("Failed to resubmit: %v", err)
	}

	err, resubmitted := database.ClaimDeliveryTasks(10)
	if err != nil || len(*resubmitted) != 1 {
		t.Fatalf("Expected resubmitted task to be claimable: %v", err)
	}
	if (*resubmitted)[0].Attempts != 0 {
		t.Errorf("Expected attempt budget reset, got %d", (*resubmitted)[0].Attempts)
	}
}

func TestPruneDeliveredTasks(t *testing.T) {
	database := setupTestDB(t)

	database.EnqueueDeliveryTask(testTask("https://local.example/activities/1", "https://a.example/inbox"))
	database.EnqueueDeliveryTask(testTask("https://local.example/activities/2", "https://a.example/inbox"))
	err, claimed := database.ClaimDeliveryTasks(10)
	if err != nil || len(*claimed) != 2 {
		t.Fatalf("Failed to claim tasks: %v", err)
	}
	database.MarkTaskDelivered((*claimed)[0].Id, 202)

	// Cutoff after creation: the delivered task goes, the pending one
	// stays regardless of age.
	deleted, err := database.PruneDeliveredTasks(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 pruned task, got %d", deleted)
	}

	err, inFlight := database.CountTasksByStatus(domain.DeliveryInFlight)
	if err != nil || inFlight != 1 {
		t.Errorf("Expected undelivered task kept, in_flight=%d err=%v", inFlight, err)
	}
}

func TestNotifications(t *testing.T) {
	database := setupTestDB(t)

	notif := &domain.Notification{
		Id:          uuid.New(),
		Kind:        domain.NotifNewFollower,
		ActivityURI: "https://remote.example/activities/follow-1",
		ActorURI:    "https://remote.example/users/bob",
		CreatedAt:   time.Now(),
	}
	if err := database.CreateNotification(notif); err != nil {
		t.Fatalf("Failed to create notification: %v", err)
	}

	err, unread := database.ReadUnreadNotifications(10)
	if err != nil {
		t.Fatalf("Failed to read notifications: %v", err)
	}
	if len(*unread) != 1 {
		t.Fatalf("Expected 1 unread notification, got %d", len(*unread))
	}

	if err := database.MarkNotificationRead(notif.Id); err != nil {
		t.Fatalf("Failed to mark read: %v", err)
	}
	err, unread = database.ReadUnreadNotifications(10)
	if err != nil {
		t.Fatalf("Failed to read notifications: %v", err)
	}
	if len(*unread) != 0 {
		t.Errorf("Expected 0 unread notifications, got %d", len(*unread))
	}
}

func TestBlobRefcounting(t *testing.T) {
	database := setupTestDB(t)

	blob := &domain.Blob{
		Hash:        "abc123",
		ContentType: "image/png",
		Size:        42,
		CreatedAt:   time.Now(),
	}
	if err := database.UpsertBlob(blob); err != nil {
		t.Fatalf("Failed to upsert blob: %v", err)
	}
	if err := database.UpsertBlob(blob); err != nil {
		t.Fatalf("Failed to re-upsert blob: %v", err)
	}

	err, read := database.ReadBlob("abc123")
	if err != nil {
		t.Fatalf("Failed to read blob: %v", err)
	}
	if read.RefCount != 2 {
		t.Errorf("Expected ref count 2, got %d", read.RefCount)
	}

	database.ReleaseBlob("abc123")
	database.ReleaseBlob("abc123")

	err, zero := database.ReadZeroRefBlobs()
	if err != nil {
		t.Fatalf("Failed to list zero-ref blobs: %v", err)
	}
	if len(zero) != 1 || zero[0] != "abc123" {
		t.Errorf("Expected abc123 to be collectable, got %v", zero)
	}
}
