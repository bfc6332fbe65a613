package storage

import (
	"fmt"
	"path"

	storage_go "github.com/supabase-community/storage-go"
)

// Path conventions. Task inputs live under input/, provider outputs are
// ingested under output/, and pre-task uploads live under temp/ until task
// creation copies them into place.

func InputKey(accountID int64, taskType string, taskID int64, filename string) string {
	return fmt.Sprintf("input/%d/%s/%d/%s", accountID, taskType, taskID, path.Base(filename))
}

func OutputKey(accountID int64, taskType string, taskID int64, filename string) string {
	return fmt.Sprintf("output/%d/%s/%d/%s", accountID, taskType, taskID, path.Base(filename))
}

func TempKey(accountID int64, uploadID, filename string) string {
	return fmt.Sprintf("temp/%d/%s/%s", accountID, uploadID, path.Base(filename))
}

func fileOptions(mime string) []storage_go.FileOptions {
	if mime == "" {
		return nil
	}
	return []storage_go.FileOptions{{ContentType: &mime}}
}
