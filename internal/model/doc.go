// Package model defines the rows exchanged between the local snapshot store and
// the remote blob store.
//
// # Overview
//
// An account's data is four collections: tasks, tags, relations (the
// many-to-many join between tasks and tags) and a single version row. Together
// they form a Snapshot, the unit the merger operates on and the unit written to
// the remote data blob:
//
//	{
//	  "account": "alice@example.com",
//	  "tasks": [{"id": "…", "taskList": 0, "position": 0, "title": "Buy milk", …}],
//	  "tags": [{"id": "…", "position": 0, "name": "home", "color": 3, …}],
//	  "relations": [{"taskId": "…", "tagId": "…", "deleted": false, …}],
//	  "version": {"dataVersion": "…", "mustBeProcessed": false}
//	}
//
// # Deletion
//
// Rows are never hard-deleted. Tasks, tags and relations carry a Deleted flag so
// that a removal is just another last-writer-wins update. Payloads written by
// older clients mark a deleted task with the reserved HiddenTaskList instead;
// Task.Normalize folds that into the flag.
//
// # Timestamps
//
// LastModified is Unix milliseconds. Integer timestamps keep equality exact,
// which the merger relies on for tie detection.
package model
