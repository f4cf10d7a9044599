package consts

// DefaultMailboxes are provisioned for every user added to a local directory.
var DefaultMailboxes = []string{
	"INBOX",
	"Sent",
	"Drafts",
	"Archive",
	"Junk",
	"Trash",
}

// DeliveryPathPrefix prefixes the per-user attribute naming the mailbox a
// message should be stored into.
const DeliveryPathPrefix = "DeliveryPaths_"
