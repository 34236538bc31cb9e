package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mammutfed/mammut/domain"
)

func testActivity(uri, activityType string, local bool, createdAt time.Time) *domain.Activity {
	return &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  uri,
		ActivityType: activityType,
		ActorURI:     "https://remote.example/users/bob",
		RawJSON:      `{"type":"` + activityType + `"}`,
		Processed:    true,
		Local:        local,
		CreatedAt:    createdAt,
	}
}

func TestActivityUniqueURI(t *testing.T) {
	database := setupTestDB(t)

	activity := testActivity("https://remote.example/activities/1", "Create", false, time.Now())
	if err := database.CreateActivity(activity); err != nil {
		t.Fatalf("Failed to create activity: %v", err)
	}

	dup := testActivity("https://remote.example/activities/1", "Create", false, time.Now())
	if err := database.CreateActivity(dup); err == nil {
		t.Error("Expected duplicate activity URI to be rejected")
	}
}

func TestSetActivityBookmarked(t *testing.T) {
	database := setupTestDB(t)

	activity := testActivity("https://remote.example/activities/1", "Create", false, time.Now())
	if err := database.CreateActivity(activity); err != nil {
		t.Fatalf("Failed to create activity: %v", err)
	}

	if err := database.SetActivityBookmarked(activity.ActivityURI, true); err != nil {
		t.Fatalf("Failed to bookmark: %v", err)
	}

	err, read := database.ReadActivityByURI(activity.ActivityURI)
	if err != nil {
		t.Fatalf("Failed to read activity: %v", err)
	}
	if !read.Bookmarked {
		t.Error("Expected activity to be bookmarked")
	}
}

func TestPruneRemoteActivities(t *testing.T) {
	database := setupTestDB(t)
	local := createTestAccount(t, database, "alice")

	localPrefix := "https://local.example/"
	old := time.Now().Add(-60 * 24 * time.Hour)

	// Plain old remote activity: pruned.
	prunable := testActivity("https://remote.example/activities/old", "Create", false, old)
	database.CreateActivity(prunable)

	// Recent remote activity: kept.
	recent := testActivity("https://remote.example/activities/recent", "Create", false, time.Now())
	database.CreateActivity(recent)

	// Old but local: kept.
	localActivity := testActivity("https://local.example/activities/mine", "Create", true, old)
	database.CreateActivity(localActivity)

	// Old but bookmarked: kept.
	bookmarked := testActivity("https://remote.example/activities/saved", "Create", false, old)
	database.CreateActivity(bookmarked)
	database.SetActivityBookmarked(bookmarked.ActivityURI, true)

	// Old Move activity: kept, redirects must survive retention.
	move := testActivity("https://remote.example/activities/move", "Move", false, old)
	database.CreateActivity(move)

	// Old row whose processing failed: kept for inspection.
	failed := testActivity("https://remote.example/activities/failed", "Create", false, old)
	failed.Processed = false
	database.CreateActivity(failed)

	// Old activity mentioning a local object: kept.
	mention := testActivity("https://remote.example/activities/mention", "Create", false, old)
	mention.RawJSON = `{"type":"Create","object":{"inReplyTo":"https://local.example/notes/1"}}`
	database.CreateActivity(mention)

	// Old remote post the local actor liked: kept.
	liked := testActivity("https://remote.example/activities/liked-post", "Create", false, old)
	liked.ObjectURI = "https://remote.example/notes/liked"
	database.CreateActivity(liked)
	localLike := testActivity("https://local.example/activities/like-1", "Like", true, time.Now())
	localLike.ObjectURI = "https://remote.example/notes/liked"
	database.CreateActivity(localLike)

	// Old activity targeting a local note: kept.
	note := &domain.Note{
		Id:         uuid.New(),
		Message:    "root of conversation",
		Visibility: "public",
		ObjectURI:  "https://local.example/notes/root",
		CreatedAt:  old,
	}
	database.CreateNote(note, local.Id)
	reply := testActivity("https://remote.example/activities/reply", "Like", false, old)
	reply.ObjectURI = "https://local.example/notes/root"
	database.CreateActivity(reply)

	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	deleted, err := database.PruneRemoteActivities(cutoff, localPrefix)
	if err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected exactly 1 pruned activity, got %d", deleted)
	}

	for _, uri := range []string{
		recent.ActivityURI,
		localActivity.ActivityURI,
		bookmarked.ActivityURI,
		move.ActivityURI,
		failed.ActivityURI,
		mention.ActivityURI,
		liked.ActivityURI,
		reply.ActivityURI,
	} {
		if err, read := database.ReadActivityByURI(uri); err != nil || read == nil {
			t.Errorf("Expected %s to survive pruning", uri)
		}
	}
	if err, gone := database.ReadActivityByURI(prunable.ActivityURI); err == nil && gone != nil {
		t.Error("Expected old unprotected activity to be pruned")
	}

	// Idempotent: a second pass removes nothing.
	deleted, err = database.PruneRemoteActivities(cutoff, localPrefix)
	if err != nil {
		t.Fatalf("Failed to re-prune: %v", err)
	}
	if deleted != 0 {
		t.Errorf("Expected second pass to prune nothing, got %d", deleted)
	}
}

func TestDeleteActivitiesByActor(t *testing.T) {
	database := setupTestDB(t)

	remote := testActivity("https://remote.example/activities/1", "Create", false, time.Now())
	database.CreateActivity(remote)

	// Local activities by the same URI prefix are untouched.
	localActivity := testActivity("https://local.example/activities/1", "Create", true, time.Now())
	localActivity.ActorURI = "https://remote.example/users/bob"
	database.CreateActivity(localActivity)

	if err := database.DeleteActivitiesByActor("https://remote.example/users/bob"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	if err, gone := database.ReadActivityByURI(remote.ActivityURI); err == nil && gone != nil {
		t.Error("Expected remote activity to be deleted")
	}
	if err, kept := database.ReadActivityByURI(localActivity.ActivityURI); err != nil || kept == nil {
		t.Error("Expected local activity to be kept")
	}
}
