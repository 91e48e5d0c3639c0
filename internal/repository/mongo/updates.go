package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/JakeFAU/metadata-inventory/internal/metadata"
)

var terminalStatuses = []metadata.Status{
	metadata.StatusCompleted,
	metadata.StatusFailedPermanent,
}

func ensurePendingUpdate(url, requestID string, now time.Time) bson.M {
	return bson.M{
		"$setOnInsert": bson.M{
			"url":      url,
			"status":   metadata.StatusPending,
			"metadata": metadata.EmptyPage(),
			"processing": metadata.ProcessingInfo{
				LastAttemptAt: now,
				LastRequestID: requestID,
			},
			"created_at": now,
		},
		"$set": bson.M{"updated_at": now},
	}
}

// claimFilter matches only records that may still be processed. Combined
// with upsert disabled this is what makes terminal records immutable.
func claimFilter(url string) bson.M {
	return bson.M{
		"url":    url,
		"status": bson.M{"$nin": terminalStatuses},
	}
}

func claimUpdate(requestID string, now time.Time) bson.M {
	return bson.M{
		"$set": bson.M{
			"status":                     metadata.StatusInProgress,
			"processing.error_msg":       "",
			"processing.last_attempt_at": now,
			"processing.last_request_id": requestID,
			"updated_at":                 now,
		},
		"$inc": bson.M{"processing.attempt_number": 1},
	}
}

// completedUpdate deliberately leaves processing.attempt_number alone; the
// claim already counted this attempt.
func completedUpdate(url string, page metadata.Page, requestID string, now time.Time) bson.M {
	return bson.M{
		"$setOnInsert": bson.M{
			"url":        url,
			"created_at": now,
		},
		"$set": bson.M{
			"status":                     metadata.StatusCompleted,
			"metadata":                   page,
			"processing.error_msg":       "",
			"processing.last_attempt_at": now,
			"processing.last_request_id": requestID,
			"updated_at":                 now,
		},
	}
}

func failureUpdate(url string, status metadata.Status, errMsg, requestID string, now time.Time) bson.M {
	return bson.M{
		"$setOnInsert": bson.M{
			"url":        url,
			"metadata":   metadata.EmptyPage(),
			"created_at": now,
		},
		"$set": bson.M{
			"status":                     status,
			"processing.error_msg":       errMsg,
			"processing.last_attempt_at": now,
			"processing.last_request_id": requestID,
			"updated_at":                 now,
		},
	}
}
