// Package mailbox holds the per-role inboxes that notifications are
// delivered into.
//
// Messages are persisted under the state directory as append-only JSONL,
// one inbox per role:
//
//	.troupe/inbox/{roleID}/index.jsonl
//
// A message ID is derived from the originating event ID and the recipient,
// so delivering the same event to the same role twice is a no-op. The store
// remembers delivered IDs across restarts by reading the inbox back on first
// use.
//
// # Basic Usage
//
//	mb := mailbox.NewMailbox(stateDir, mailbox.WithBus(bus))
//
//	delivered, err := mb.Send(mailbox.Message{
//	    EventID: "evt-42",
//	    From:    "product_owner",
//	    To:      "business_analyst",
//	    Type:    mailbox.MessageDeliverableReady,
//	    Body:    "requirements.md is ready",
//	})
//
//	messages, err := mb.Receive("business_analyst")
//
//	err = mb.Follow(ctx, "business_analyst", mailbox.FilterOptions{}, func(msg mailbox.Message) {
//	    fmt.Println(msg.Body)
//	})
//
// # Thread Safety
//
// The [Store] and [Mailbox] types are safe for concurrent use within a single
// process. File writes use O_APPEND for POSIX atomicity on small JSONL lines.
package mailbox
