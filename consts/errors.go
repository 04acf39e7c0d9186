package consts

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrMailboxNotFound = errors.New("mailbox not found")

	ErrNoRecipients   = errors.New("no valid recipients")
	ErrTooManyTargets = errors.New("too many delivery targets")

	ErrDBInsertFailed = errors.New("insert failed")
	ErrS3UploadFailed = errors.New("s3 upload failed")
)
