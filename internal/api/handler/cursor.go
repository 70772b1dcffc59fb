package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/buildstash/internal/scheduler/storage"
)

// JobCursor points after the last job of a page of in-progress jobs.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

func decodeCursor(cursorStr string) (int64, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return 0, "", err
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("invalid cursor format")
	}

	var nanos int64
	if _, err := fmt.Sscanf(parts[0], "%d", &nanos); err != nil {
		return 0, "", fmt.Errorf("invalid timestamp in cursor: %w", err)
	}
	return nanos, parts[1], nil
}

func encodeCursor(at time.Time, id string) string {
	cs := fmt.Sprintf("%d|%s", at.UnixNano(), id)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}

func DecodeJobCursor(cursorStr string) (*JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}
	nanos, id, err := decodeCursor(cursorStr)
	if err != nil {
		return nil, err
	}
	return &JobCursor{CreatedAt: time.Unix(0, nanos), JobID: id}, nil
}

func EncodeJobCursor(cursor *JobCursor) string {
	return encodeCursor(cursor.CreatedAt, cursor.JobID)
}

func DecodeEventCursor(cursorStr string) (*storage.EventCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}
	nanos, id, err := decodeCursor(cursorStr)
	if err != nil {
		return nil, err
	}
	var eventID int64
	if _, err := fmt.Sscanf(id, "%d", &eventID); err != nil {
		return nil, fmt.Errorf("invalid event id in cursor: %w", err)
	}
	return &storage.EventCursor{At: time.Unix(0, nanos).UTC(), ID: eventID}, nil
}

func EncodeEventCursor(cursor *storage.EventCursor) string {
	return encodeCursor(cursor.At, fmt.Sprintf("%d", cursor.ID))
}
