package consts

import "github.com/emersion/go-imap/v2"

const (
	MailboxInbox = "INBOX"

	// SpecialUseJunk is the special-use attribute of the spam folder.
	SpecialUseJunk = string(imap.MailboxAttrJunk)
)

var DefaultMailboxes = []string{
	"INBOX",
	"Sent",
	"Drafts",
	"Archive",
	"Junk",
	"Trash",
}
